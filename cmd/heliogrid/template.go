package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/config"
	"github.com/heliogrid/heliogrid/pkg/template"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect the local template store",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry(cmd)
		if err != nil {
			return err
		}

		names, err := registry.ListTemplateNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No templates found")
			return nil
		}

		fmt.Printf("%-20s %-10s %s\n", "NAME", "VERSION", "IMAGE")
		for _, name := range names {
			tpl, err := registry.Load(name)
			if err != nil {
				fmt.Printf("%-20s %-10s %s\n", name, "-", "invalid: "+err.Error())
				continue
			}
			fmt.Printf("%-20s %-10s %s\n", tpl.Name, tpl.Version, tpl.Image)
		}
		return nil
	},
}

var templateShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a template's manifest and config schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry(cmd)
		if err != nil {
			return err
		}

		tpl, err := registry.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:        %s\n", tpl.Name)
		fmt.Printf("Description: %s\n", tpl.Description)
		fmt.Printf("Version:     %s\n", tpl.Version)
		fmt.Printf("Image:       %s\n", tpl.Image)
		fmt.Println("Files:")
		roles := make([]string, 0, len(tpl.Files))
		for role := range tpl.Files {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Printf("  %s <- %s\n", role, tpl.Files[role])
		}
		fmt.Println("Config sections:")
		for _, section := range tpl.Schema.Sections {
			fmt.Printf("  %s: %v\n", section.Name, section.Fields)
		}
		return nil
	},
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate NAME",
	Short: "Check that every file a template references exists",
	Long: `Check that every file a template references exists in the template store.

With --worker-config, also validate a worker configuration document
against the template's schema.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry(cmd)
		if err != nil {
			return err
		}

		missing, err := registry.MissingFiles(args[0])
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			for _, f := range missing {
				fmt.Printf("✗ missing file: %s\n", f)
			}
			return fmt.Errorf("template %s is incomplete", args[0])
		}
		fmt.Printf("✓ Template %s is complete\n", args[0])

		docPath, _ := cmd.Flags().GetString("worker-config")
		if docPath == "" {
			return nil
		}
		data, err := os.ReadFile(docPath)
		if err != nil {
			return fmt.Errorf("failed to read worker config: %w", err)
		}
		wc, err := template.ParseWorkerConfig(data)
		if err != nil {
			return err
		}
		if wc.TemplateType() != args[0] {
			return fmt.Errorf("worker config is for template %s, not %s", wc.TemplateType(), args[0])
		}
		fmt.Printf("✓ Worker config %s is valid\n", docPath)
		return nil
	},
}

func init() {
	templateCmd.PersistentFlags().String("templates-dir", config.Default().Templates.Dir, "Template store directory")
	templateValidateCmd.Flags().String("worker-config", "", "Worker config document to validate")

	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateShowCmd)
	templateCmd.AddCommand(templateValidateCmd)
}

func openRegistry(cmd *cobra.Command) (*template.Registry, error) {
	dir, _ := cmd.Flags().GetString("templates-dir")
	return template.NewDirRegistry(dir)
}
