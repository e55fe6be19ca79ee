package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"wsrpline/internal/app"
	"wsrpline/internal/engine"
	"wsrpline/internal/registration"
	"wsrpline/internal/repo"
)

type consumerView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Agent         string   `json:"agent,omitempty"`
	Status        string   `json:"status"`
	Group         string   `json:"group,omitempty"`
	Registrations []string `json:"registrations"`
}

func viewConsumer(c *registration.Consumer) consumerView {
	v := consumerView{
		ID:            c.ID(),
		Name:          c.Name(),
		Agent:         c.ConsumerAgent(),
		Status:        c.Status().String(),
		Registrations: []string{},
	}
	if g := c.Group(); g != nil {
		v.Group = g.Name()
	}
	for _, r := range c.Registrations() {
		v.Registrations = append(v.Registrations, r.RegistrationHandle()+" ("+r.Status().String()+")")
	}
	sort.Strings(v.Registrations)
	return v
}

func printConsumers(consumers []*registration.Consumer) error {
	views := make([]consumerView, 0, len(consumers))
	for _, c := range consumers {
		views = append(views, viewConsumer(c))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	rows := make([]table.Row, 0, len(views))
	for _, v := range views {
		rows = append(rows, table.Row{v.Name, v.ID, v.Agent, v.Status, v.Group, strings.Join(v.Registrations, "\n")})
	}
	return printJSONOrTable(views, table.Row{"Name", "ID", "Agent", "Status", "Group", "Registrations"}, rows)
}

func consumerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Inspect the consumers registered with this producer",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				consumers, err := e.Manager.GetConsumers(ctx)
				if err != nil {
					return err
				}
				return printConsumers(consumers)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Show one consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Manager.GetConsumerByName(ctx, args[0])
				if err != nil {
					return err
				}
				if c == nil {
					return fmt.Errorf("no consumer named %s", args[0])
				}
				return printConsumers([]*registration.Consumer{c})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a consumer and its registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Manager.RemoveConsumerNamed(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed consumer %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage consumer groups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List consumer groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				groups, err := e.Manager.GetConsumerGroups(ctx)
				if err != nil {
					return err
				}
				type groupView struct {
					Name      string   `json:"name"`
					Status    string   `json:"status"`
					Consumers []string `json:"consumers"`
				}
				views := make([]groupView, 0, len(groups))
				rows := make([]table.Row, 0, len(groups))
				sort.Slice(groups, func(i, j int) bool { return groups[i].Name() < groups[j].Name() })
				for _, g := range groups {
					v := groupView{Name: g.Name(), Status: g.Status().String(), Consumers: []string{}}
					for _, c := range g.Consumers() {
						v.Consumers = append(v.Consumers, c.Name())
					}
					sort.Strings(v.Consumers)
					views = append(views, v)
					rows = append(rows, table.Row{v.Name, v.Status, strings.Join(v.Consumers, ", ")})
				}
				return printJSONOrTable(views, table.Row{"Name", "Status", "Consumers"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a consumer group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Manager.CreateConsumerGroup(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("created group %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a group together with its consumers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Manager.RemoveConsumerGroupNamed(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed group %s\n", args[0])
				return nil
			})
		},
	})
	var createGroup, createConsumer bool
	add := &cobra.Command{
		Use:   "add GROUP CONSUMER",
		Short: "Move a consumer into a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Manager.AddConsumerToGroupNamed(ctx, args[1], args[0], createGroup, createConsumer)
				if err != nil {
					return err
				}
				return printConsumers([]*registration.Consumer{c})
			})
		},
	}
	add.Flags().BoolVar(&createGroup, "create-group", false, "create the group if missing")
	add.Flags().BoolVar(&createConsumer, "create-consumer", false, "create the consumer if missing")
	cmd.AddCommand(add)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to consumers, groups, registrations and registration properties.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Repo.ListEvents(ctx, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID})
				}
				return printJSONOrTable(items, table.Row{"ID", "Time", "Type", "Kind", "Entity"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}
