// fastcpctl drives the running fastcp-agent from the command line
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rehmatworks/fastcp-engine/internal/agent"
	"github.com/rehmatworks/fastcp-engine/internal/config"
	"github.com/rehmatworks/fastcp-engine/internal/models"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:           "fastcpctl",
	Short:         "FastCP provisioning control",
	Long:          `Runs provisioning operations through the local fastcp-agent socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultConfig().AgentSocket, "agent socket path")
	rootCmd.AddCommand(
		activateSSLCmd(),
		scanCmd(),
		fixPermissionsCmd(),
		createTenantCmd(),
		setupTenantCmd(),
		deleteTenantCmd(),
		storageCmd(),
	)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func client() *agent.Client {
	return agent.NewClient(socketPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTenantID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tenant id %q", arg)
	}
	return id, nil
}

func activateSSLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate-ssl [WEBSITE_ID...]",
		Short: "Issue certificates now",
		Long: `Verifies domains and issues or renews certificates for the given
websites, or runs a full scan over every website when none is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()
			if len(args) == 0 {
				res, err := c.RunSSLScan(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			failed := 0
			for _, id := range args {
				w, err := c.IssueSSL(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Printf("%s: ssl active for %v\n", w.Label, w.DomainNames())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d websites failed", failed, len(args))
			}
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one certificate scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()
			res, err := c.RunSSLScan(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func fixPermissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-permissions USERNAME",
		Short: "Re-apply ownership and ACLs on a tenant home",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()
			if err := c.FixPermissions(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("permissions fixed for %s\n", args[0])
			return nil
		},
	}
}

func createTenantCmd() *cobra.Command {
	var req models.CreateTenantRequest
	cmd := &cobra.Command{
		Use:   "create-tenant USERNAME",
		Short: "Record a tenant and create its system account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Username = args[0]
			c := client()
			defer c.Close()
			res, err := c.CreateTenant(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (generated when empty)")
	cmd.Flags().BoolVar(&req.IsSuperuser, "superuser", false, "grant access to every tenant's files")
	cmd.Flags().IntVar(&req.MaxWebsites, "max-websites", 0, "website limit (0 for unlimited)")
	cmd.Flags().IntVar(&req.MaxDatabases, "max-databases", 0, "database limit (0 for unlimited)")
	cmd.Flags().IntVar(&req.MaxFTPAccounts, "max-ftp-accounts", 0, "FTP account limit (0 for unlimited)")
	cmd.Flags().Int64Var(&req.MaxStorageBytes, "max-storage", 0, "storage limit in bytes (0 for unlimited)")
	return cmd
}

func setupTenantCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "setup-tenant TENANT_ID",
		Short: "Create the system account for a recorded tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			c := client()
			defer c.Close()
			res, err := c.SetupTenant(cmd.Context(), &models.SetupTenantRequest{TenantID: id, Password: password})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (generated when empty)")
	return cmd
}

func deleteTenantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-tenant TENANT_ID",
		Short: "Remove a tenant with all websites, databases and its system account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			c := client()
			defer c.Close()
			return c.DeleteTenant(cmd.Context(), id)
		},
	}
}

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage TENANT_ID",
		Short: "Measure and record a tenant's disk usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			c := client()
			defer c.Close()
			used, err := c.RefreshStorage(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%d bytes\n", used)
			return nil
		},
	}
}
