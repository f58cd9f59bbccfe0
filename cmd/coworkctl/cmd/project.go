package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	projectDesc  string
	projectForce bool
)

// projectCmd represents the project command group
var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projects"},
	Short:   "Project management commands",
	Long: `Commands for managing the projects you are a member of.

Projects can be named by id or by name.

Examples:
  # List your projects
  coworkctl project list

  # Create a project; you become its only member
  coworkctl project create my-app --description "Landing page"

  # Show files, members and the last messages
  coworkctl project show my-app

  # Invite someone who has logged in before
  coworkctl project add-member my-app bob@example.com`,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		projects, err := c.Projects(context.Background())
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		if GetOutput() == "json" {
			return printJSON(projects)
		}
		if len(projects) == 0 {
			fmt.Println("No projects found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tUPDATED\tDESCRIPTION")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				p.ID, p.Name, p.Version, p.UpdatedAt.Format("2006-01-02 15:04"), truncate(p.Description, 40))
		}
		w.Flush()
		fmt.Printf("\nTotal: %d project(s)\n", len(projects))
		return nil
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.CreateProject(context.Background(), args[0], projectDesc)
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		if GetOutput() == "json" {
			return printJSON(p)
		}
		fmt.Printf("\nProject created successfully:\n")
		fmt.Printf("  ID:          %s\n", p.ID)
		fmt.Printf("  Name:        %s\n", p.Name)
		fmt.Printf("  Description: %s\n", p.Description)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project>",
	Short: "Show project files, members and recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := c.Snapshot(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("fetch project: %w", err)
		}
		if GetOutput() == "json" {
			return printJSON(snap)
		}

		fmt.Printf("\nProject: %s\n", snap.Project.Name)
		fmt.Printf("  ID:          %s\n", snap.Project.ID)
		fmt.Printf("  Description: %s\n", snap.Project.Description)
		fmt.Printf("  Version:     %d\n", snap.Project.Version)

		fmt.Printf("\nMembers (%d):\n", len(snap.Members))
		for _, m := range snap.Members {
			fmt.Printf("  %-20s %s\n", m.UserID, m.Email)
		}

		fmt.Printf("\nFiles (%d):\n", len(snap.FileTree))
		for _, path := range snap.FileTree.Paths() {
			fmt.Printf("  %-40s %6d bytes\n", path, len(snap.FileTree[path].Contents))
		}

		msgs := snap.Messages
		if len(msgs) > 10 {
			msgs = msgs[len(msgs)-10:]
		}
		fmt.Printf("\nMessages (%d, showing last %d):\n", len(snap.Messages), len(msgs))
		for _, m := range msgs {
			fmt.Println("  " + formatMessage(m))
		}
		return nil
	},
}

var projectAddMemberCmd = &cobra.Command{
	Use:   "add-member <project> <email>...",
	Short: "Add members by email",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		members, err := c.AddMembers(ctx, p.ID, args[1:])
		if err != nil {
			return fmt.Errorf("add members: %w", err)
		}
		fmt.Printf("Project %s now has %d member(s)\n", p.Name, len(members))
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project>",
	Short: "Delete a project with its files and messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		if !projectForce {
			return fmt.Errorf("refusing to delete %s without --force", p.Name)
		}
		if err := c.DeleteProject(ctx, p.ID); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		fmt.Printf("Project %s deleted\n", p.Name)
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectDesc, "description", "d", "", "project description")
	projectDeleteCmd.Flags().BoolVarP(&projectForce, "force", "f", false, "confirm deletion")

	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectShowCmd, projectAddMemberCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// truncate truncates a string to maxLen characters.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
