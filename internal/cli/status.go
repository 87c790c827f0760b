package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/daemon"
	"github.com/wustus/vibes/internal/domain"
)

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Status API address host:port (default from config)")
	rootCmd.AddCommand(statusCmd)
}

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session running on a device",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

type sessionStatus struct {
	Stage   session.Stage        `json:"stage"`
	Session domain.SessionRecord `json:"session"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	st, err := fetchStatus(client, "http://"+addr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "STAGE\t%s\n", st.Stage)
	printResult(out, st.Session)
	return nil
}

func fetchStatus(client *http.Client, base string) (sessionStatus, error) {
	var st sessionStatus
	resp, err := client.Get(base + "/api/session")
	if err != nil {
		return st, fmt.Errorf("is 'vibes run' active? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return st, fmt.Errorf("status api: %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
