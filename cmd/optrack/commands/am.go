package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage optrack configuration",
	Long: sym.AM + ` am - Manage optrack configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/optrack/am.toml)
3. User config (~/.optrack/am.toml)
4. Project config (./optrack.toml or ./am.toml, searched upward)
5. Environment variables (OPTRACK_* prefix, e.g. OPTRACK_QUEUE_WORKERS)

--config replaces 2-4 with a single file.

Examples:
  optrack am show                         # Effective configuration as TOML
  optrack am show --format json
  optrack am show --sources               # Where each value came from
  optrack am get queue.lease_timeout_seconds
  optrack am set retry.base_delay_ms 2000 # Writes ~/.optrack/am.toml
  optrack am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value (dot notation, e.g. queue.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Persist a configuration value to a TOML file, keeping a rotating backup.

Writes to --file, or to the active --config file, or to ~/.optrack/am.toml.
A running server picks up lease, retry and default settings without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().Bool("sources", false, "Show the source of each setting")
	amSetCmd.Flags().String("file", "", "Config file to write")

	AmCmd.AddCommand(amShowCmd, amGetCmd, amSetCmd, amValidateCmd)
}

// marshalSettings renders a settings tree in the requested format.
func marshalSettings(settings interface{}, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(settings, "", "  ")
	case "yaml":
		return yaml.Marshal(settings)
	case "toml":
		return toml.Marshal(settings)
	default:
		return nil, errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	if withSources, _ := cmd.Flags().GetBool("sources"); withSources {
		intro, err := am.GetConfigIntrospection()
		if err != nil {
			return err
		}
		if format != "toml" {
			data, err := marshalSettings(intro, format)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(sourcesTable(intro)).Render()
	}

	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	data, err := marshalSettings(am.GetViper().AllSettings(), format)
	if err != nil {
		return err
	}
	if format != "json" {
		fmt.Println("# optrack configuration")
	}
	fmt.Print(string(data))
	if format == "json" {
		fmt.Println()
	}
	return nil
}

func sourcesTable(intro *am.ConfigIntrospection) pterm.TableData {
	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range intro.Settings {
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		data = append(data, []string{s.Key, value, string(s.Source), s.SourcePath})
	}
	return data
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.GetViper().IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Println(am.Get(key))
	return nil
}

// parseSettingValue keeps TOML types: integers, floats and booleans are
// written unquoted, anything else as a string.
func parseSettingValue(raw string) interface{} {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], parseSettingValue(args[1])

	if !am.GetViper().IsSet(key) {
		return errors.Newf("unknown configuration key %q", key)
	}

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path, _ = cmd.Flags().GetString("config")
	}
	if path == "" {
		path = am.UserConfigPath()
	}

	if err := am.SaveSetting(path, key, value); err != nil {
		return err
	}

	am.Reset()
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to reload config")
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printfln("%s saved to %s but the configuration is now invalid: %v", key, path, err)
		return nil
	}
	pterm.Success.Printfln("%s = %v saved to %s", key, value, path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}
