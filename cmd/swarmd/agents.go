package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/registry"
)

func runAgents(args []string) error {
	if len(args) == 0 {
		printAgentsUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Registry.URL == "" {
		return fmt.Errorf("registry url is required (set registry.url or SWARM_REGISTRY_URL)")
	}

	client := registry.NewClient(cfg.Registry)
	ctx := context.Background()

	switch args[0] {
	case "list":
		return agentsList(ctx, client)
	case "register":
		return agentsRegister(ctx, client, args[1:])
	case "delete":
		return agentsDelete(ctx, client, args[1:])
	case "templates":
		return agentsTemplates(ctx, client)
	default:
		printAgentsUsage()
		return fmt.Errorf("unknown agents command: %s", args[0])
	}
}

func printAgentsUsage() {
	fmt.Fprintf(os.Stderr, `Usage: swarmd agents <command>

Commands:
  list                  List registered agents
  register -f <file>    Register an agent from a JSON definition
  delete <name>         Remove an agent definition
  templates             List the control plane's agent templates
`)
}

func agentsList(ctx context.Context, client *registry.Client) error {
	specs, err := client.List(ctx)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBACKEND\tTEAM\tINPUTS")
	for _, s := range specs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Name, s.Backend, s.Team, strings.Join(s.Messaging.Inputs, ", "))
	}
	return w.Flush()
}

func agentsRegister(ctx context.Context, client *registry.Client, args []string) error {
	if len(args) < 2 || args[0] != "-f" {
		return fmt.Errorf("usage: swarmd agents register -f <definition.json>")
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var spec registry.AgentSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	if spec.Name == "" {
		return fmt.Errorf("definition is missing an agent name")
	}

	if err := client.Register(ctx, &spec); err != nil {
		return err
	}
	fmt.Printf("Agent %q registered\n", spec.Name)
	return nil
}

func agentsDelete(ctx context.Context, client *registry.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: swarmd agents delete <name>")
	}
	if err := client.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Agent %q deleted\n", args[0])
	return nil
}

func agentsTemplates(ctx context.Context, client *registry.Client) error {
	templates, err := client.Templates(ctx)
	if err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Println("No templates available.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tDESCRIPTION")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Role, t.Description)
	}
	return w.Flush()
}
