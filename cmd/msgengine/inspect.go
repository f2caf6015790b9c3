package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maxpert/msgengine/config"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/storage"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the entities persisted in an entity store",
		Long: "inspect opens the configured entity store and lists every persisted\n" +
			"destination, link and MQ link. The engine must not be running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			format, _ := cmd.Flags().GetString("format")

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.BackendMemory {
				return fmt.Errorf("the memory backend keeps nothing to inspect")
			}

			store, err := storage.NewStorageFactory(cfg.Storage).CreateEntityStore()
			if err != nil {
				return fmt.Errorf("open entity store: %w", err)
			}
			defer store.Close()

			records, err := loadRecords(store)
			if err != nil {
				return err
			}

			switch format {
			case "table":
				return printTable(cmd.OutOrStdout(), records)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(records)
			default:
				return fmt.Errorf("invalid --format %q; use table|yaml", format)
			}
		},
	}
	cmd.Flags().String("config", "", "Configuration file path (YAML)")
	cmd.Flags().String("format", "table", "Output format: table|yaml")
	return cmd
}

// inspectedRecord is the printable form of a persisted entity
type inspectedRecord struct {
	Group       string   `yaml:"group"`
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Bus         string   `yaml:"bus"`
	Kind        string   `yaml:"kind"`
	Localizers  []string `yaml:"localizers,omitempty"`
	Flags       []string `yaml:"flags,omitempty"`
	CreatedTick uint64   `yaml:"created_tick"`
}

func loadRecords(store interfaces.EntityStore) ([]inspectedRecord, error) {
	var out []inspectedRecord
	for _, group := range interfaces.Groups {
		cursor, err := store.FindEntitiesByType(group)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", group, err)
		}
		for rec, ok := cursor.Next(); ok; rec, ok = cursor.Next() {
			out = append(out, inspectedRecord{
				Group:       group.String(),
				ID:          rec.ID,
				Name:        rec.Name,
				Bus:         rec.Bus,
				Kind:        rec.Kind.String(),
				Localizers:  rec.Localizers,
				Flags:       recordFlags(rec),
				CreatedTick: rec.CreatedTick,
			})
		}
	}
	return out, nil
}

func recordFlags(rec *interfaces.EntityRecord) []string {
	var flags []string
	if rec.ToBeDeleted {
		flags = append(flags, "to-be-deleted")
	}
	if rec.Ignore {
		flags = append(flags, "ignored")
	}
	if rec.Temporary {
		flags = append(flags, "temporary")
	}
	if rec.System {
		flags = append(flags, "system")
	}
	return flags
}

func printTable(w io.Writer, records []inspectedRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tKIND\tNAME\tBUS\tLOCALIZERS\tFLAGS\tID")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Group, r.Kind, r.Name, r.Bus,
			strings.Join(r.Localizers, ","), strings.Join(r.Flags, ","), r.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d records\n", len(records))
	return err
}
