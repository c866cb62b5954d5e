package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForStatus(t *testing.T) {
	assert.Equal(t, Pulse, ForStatus("processing"))
	assert.Equal(t, "●", ForStatus("succeeded"))
	assert.Equal(t, "✕", ForStatus("dead"))
	assert.Equal(t, "?", ForStatus("bogus"))
}
