package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/shadow-cli/internal/keypool"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show configured API keys (masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := keypool.New(cfg.Anthropic.Credentials(),
			keypool.WithCooldown(time.Duration(cfg.KeyPool.CooldownSecs)*time.Second),
		)
		if err != nil {
			return err
		}
		printKeys(os.Stdout, pool.Stats(), time.Duration(cfg.KeyPool.CooldownSecs)*time.Second)
		return nil
	},
}

func printKeys(w io.Writer, st keypool.Stats, cooldown time.Duration) {
	fmt.Fprintf(w, "keys: %d (cooldown %s)\n", st.TotalKeys, cooldown)
	for i, k := range st.Keys {
		marker := " "
		if k.ID == st.ActiveKey {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d  %s\n", marker, i+1, k.ID)
	}
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
