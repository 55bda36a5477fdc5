package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relaycast/relaycast/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing relaycast configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  relaycast config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ./configs/config.yaml, /etc/relaycast/config.yaml)
  - Environment variables (RELAYCAST_SERVER_PORT, RELAYCAST_RELAY_SECRET, etc.)
  - Command-line flags (for some options)

Environment variables use the RELAYCAST_ prefix and underscores for nesting.
Example: relay.max_channels -> RELAYCAST_RELAY_MAX_CHANNELS`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("building default config: %w", err)
	}

	out, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations rendered in their human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}

		switch {
		case field.Type() == reflect.TypeOf(time.Duration(0)):
			result[key] = field.Interface().(time.Duration).String()
		case field.Kind() == reflect.Struct:
			result[key] = toMap(field.Interface())
		default:
			result[key] = field.Interface()
		}
	}
	return result
}
