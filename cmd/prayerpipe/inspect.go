package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/PrayerPipe/internal/store"
)

func newInspectCommand(root *rootOptions) *cobra.Command {
	var (
		userID   string
		showKeys bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List persisted keys per namespace",
		Long:  "Without --user, lists the users found in the local store. With --user, counts that user's keys per namespace.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(store.WithSQLiteDSN(root.cfg.LocalDBPath()))
			if err != nil {
				return fmt.Errorf("failed to open local store: %w", err)
			}
			defer st.Close()

			if userID == "" {
				return listUsers(cmd.Context(), cmd.OutOrStdout(), st)
			}
			return listNamespaces(cmd.Context(), cmd.OutOrStdout(), store.Scope(st, userID), showKeys)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose keys to list")
	cmd.Flags().BoolVar(&showKeys, "keys", false, "print every key")
	return cmd
}

// listUsers prints every scope found under users/ with its key count.
func listUsers(ctx context.Context, w io.Writer, st store.Store) error {
	keys, err := st.Keys(ctx, "users/")
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, k := range keys {
		user, _, ok := strings.Cut(strings.TrimPrefix(k, "users/"), "/")
		if ok {
			counts[user]++
		}
	}
	users := make([]string, 0, len(counts))
	for u := range counts {
		users = append(users, u)
	}
	sort.Strings(users)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tKEYS")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%d\n", u, counts[u])
	}
	return tw.Flush()
}

// listNamespaces prints the key count of every namespace in st.
func listNamespaces(ctx context.Context, w io.Writer, st store.Store, showKeys bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tKEYS")
	var all []string
	for _, ns := range store.Namespaces() {
		keys, err := st.Keys(ctx, ns)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", ns, err)
		}
		fmt.Fprintf(tw, "%s\t%d\n", ns, len(keys))
		all = append(all, keys...)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if showKeys {
		for _, k := range all {
			fmt.Fprintln(w, k)
		}
	}
	return nil
}
