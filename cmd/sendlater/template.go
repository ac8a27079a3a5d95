package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendlater/internal/template"
)

var (
	templateID          string
	templateName        string
	templateCategory    string
	templateContent     string
	templateContentFile string
	templateSearch      string
	templateVars        []string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or replace a template",
	Long: `Create a template, or replace the one with the given --id.

Examples:
  sendlater template save --name Reminder --content "Hi {name}, see you at {time}"
  sendlater template save --id reminder --name Reminder --file reminder.txt --category Business`,
	RunE: runTemplateSave,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

var templateRenderCmd = &cobra.Command{
	Use:   "render <id>",
	Short: "Render a template with variables",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateRender,
}

var templateCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List template categories",
	RunE:  runTemplateCategories,
}

func init() {
	templateListCmd.Flags().StringVar(&templateCategory, "category", "", "Filter by category")
	templateListCmd.Flags().StringVar(&templateSearch, "search", "", "Search in name and content")

	templateSaveCmd.Flags().StringVar(&templateID, "id", "", "Template ID (generated when empty)")
	templateSaveCmd.Flags().StringVar(&templateName, "name", "", "Template name (required)")
	templateSaveCmd.Flags().StringVar(&templateCategory, "category", "", "Category (default: General)")
	templateSaveCmd.Flags().StringVar(&templateContent, "content", "", "Template content")
	templateSaveCmd.Flags().StringVarP(&templateContentFile, "file", "f", "", "Read template content from file")
	templateSaveCmd.MarkFlagRequired("name")

	templateRenderCmd.Flags().StringArrayVar(&templateVars, "var", nil, "Variable as name=value (repeatable)")

	templateCmd.AddCommand(templateListCmd, templateShowCmd, templateSaveCmd, templateDeleteCmd, templateRenderCmd, templateCategoriesCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	templates, err := s.templates.List(ctx, template.ListFilter{
		Category: templateCategory,
		Search:   templateSearch,
	})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tVARIABLES")
	fmt.Fprintln(w, "--\t----\t--------\t---------")

	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(t.ID),
			t.Name,
			t.Category,
			strings.Join(t.Variables(), ", "),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	t, err := s.templates.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}

	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Name:      %s\n", t.Name)
	fmt.Printf("Category:  %s\n", t.Category)
	fmt.Printf("Variables: %s\n", strings.Join(t.Variables(), ", "))
	fmt.Printf("Created:   %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("\n%s\n", t.Content)

	return nil
}

func runTemplateSave(cmd *cobra.Command, args []string) error {
	content := templateContent
	if templateContentFile != "" {
		if content != "" {
			return fmt.Errorf("--content and --file are mutually exclusive")
		}
		data, err := os.ReadFile(templateContentFile)
		if err != nil {
			return fmt.Errorf("failed to read content file: %w", err)
		}
		content = string(data)
	}

	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	saved, err := s.templates.Save(ctx, &template.Template{
		ID:       templateID,
		Name:     templateName,
		Content:  content,
		Category: templateCategory,
	})
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	fmt.Printf("Template saved: %s\n", saved.ID)
	return nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.templates.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %s deleted\n", args[0])
	return nil
}

func runTemplateRender(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(templateVars)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	result, err := template.NewRenderer(s.templates).RenderByID(ctx, args[0], vars)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	fmt.Println(result.Text)
	if len(result.Missing) > 0 {
		fmt.Fprintf(os.Stderr, "\nmissing variables: %s\n", strings.Join(result.Missing, ", "))
	}
	return nil
}

func runTemplateCategories(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	categories, err := s.templates.Categories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list categories: %w", err)
	}

	for _, c := range categories {
		fmt.Println(c)
	}
	return nil
}
