package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wsrpline/internal/app"
	"wsrpline/internal/consumer"
	"wsrpline/internal/repo"
	"wsrpline/internal/server"
)

type producerView struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	Handle     string            `json:"handle,omitempty"`
	Registered bool              `json:"registered"`
	Properties map[string]string `json:"properties"`
}

func producerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Act as a consumer of the remote producers in wsrp.yml",
	}
	cmd.AddCommand(producerListCmd())
	cmd.AddCommand(producerRefreshCmd())
	cmd.AddCommand(producerDeregisterCmd())
	cmd.AddCommand(producerPortletCmd())
	return cmd
}

func withProducers(ctx context.Context, fn func(context.Context, *app.Producers) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		producers, err := a.Producers(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, producers)
	})
}

func producerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured producers and the saved registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProducers(cmd.Context(), func(ctx context.Context, producers *app.Producers) error {
				var (
					views []producerView
					rows  []table.Row
				)
				for _, id := range producers.IDs() {
					p, err := producers.Get(id)
					if err != nil {
						return err
					}
					info := p.RegistrationInfo()
					v := producerView{
						ID:         id,
						Endpoint:   p.ServiceFactory().Endpoint(),
						Handle:     info.RegistrationHandle(),
						Registered: info.IsRegistered(),
						Properties: map[string]string{},
					}
					var props []string
					for _, prop := range info.RegistrationProperties() {
						v.Properties[prop.Name().String()] = prop.Value()
						props = append(props, fmt.Sprintf("%s=%s (%s)", prop.Name(), prop.Value(), prop.Status()))
					}
					views = append(views, v)
					rows = append(rows, table.Row{v.ID, v.Endpoint, v.Handle, strings.Join(props, "\n")})
				}
				return printJSONOrTable(views, table.Row{"Producer", "Endpoint", "Handle", "Properties"}, rows)
			})
		},
	}
}

func producerRefreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh [ID...]",
		Short: "Fetch service descriptions and register or modify registrations as needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProducers(cmd.Context(), func(ctx context.Context, producers *app.Producers) error {
				ids := args
				if len(ids) == 0 {
					ids = producers.IDs()
				}
				var errs []error
				for _, id := range ids {
					did, err := producers.Refresh(ctx, id, force)
					switch {
					case consumer.IsValidation(err):
						fmt.Printf("%s: %v\n", id, err)
						errs = append(errs, err)
					case consumer.IsUnavailable(err):
						fmt.Printf("%s: unavailable, retry later: %v\n", id, err)
						errs = append(errs, err)
					case err != nil:
						fmt.Printf("%s: %v\n", id, err)
						errs = append(errs, err)
					case did:
						fmt.Printf("%s: refreshed\n", id)
					default:
						fmt.Printf("%s: up to date\n", id)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refresh even when nothing changed locally")
	return cmd
}

func producerDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister ID",
		Short: "End the registration with a producer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProducers(cmd.Context(), func(ctx context.Context, producers *app.Producers) error {
				if err := producers.Deregister(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deregistered from %s\n", args[0])
				return nil
			})
		},
	}
}

func producerPortletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portlet ID HANDLE",
		Short: "Describe a portlet offered by a producer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProducers(cmd.Context(), func(ctx context.Context, producers *app.Producers) error {
				p, err := producers.Get(args[0])
				if err != nil {
					return err
				}
				pd, err := p.GetPortlet(ctx, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(pd, table.Row{"Handle", "Title", "Description", "Group"},
					[]table.Row{{pd.Handle, pd.Title, pd.Description, pd.GroupID}})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Admin API tokens"}
	var subject string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an admin token with WSRP_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(jwtSecret(cmd), subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "admin", "token subject")
	issue.Flags().StringSliceVar(&perms, "perm", []string{server.PermRegistryRead, server.PermRegistryWrite}, "granted permissions")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	issue.Flags().String("jwt-secret", "", "HS256 secret (env WSRP_JWT_SECRET)")
	cmd.AddCommand(issue)
	cmd.AddCommand(tokenKeyCmd())
	return cmd
}

func tokenKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Admin API keys stored in the workspace"}
	var name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "wsk_" + hex.EncodeToString(buf)
				key, err := a.Repo.InsertAdminKey(ctx, repo.AdminKey{
					ID:          uuid.NewString(),
					Name:        name,
					KeyHash:     repo.HashAPIKey(secret),
					Permissions: perms,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("id:     %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	create.Flags().StringSliceVar(&perms, "perm", []string{server.PermRegistryRead}, "granted permissions")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Repo.ListAdminKeys(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Name", "Permissions", "Created"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Repo.DeleteAdminKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
