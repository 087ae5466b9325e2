package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"recipecheck/client"
	"recipecheck/types"
)

func ordersCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "View and submit orders through a running API",
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API base URL (overrides RECIPECHECK_API_URL)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored order ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := client.New(apiURL).ListOrders(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <order-id>",
		Short: "Print the stored report of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("order id must be an integer: %q", args[0])
			}
			rep, err := client.New(apiURL).GetReport(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Order %d\n\n%s\n", rep.ID, rep.ReportAnalysis)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "submit <order.json>",
		Short: "Submit an order (or a JSON array of orders) and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orders, err := readOrders(args[0], time.Now())
			if err != nil {
				return err
			}
			c := client.New(apiURL)
			out := cmd.OutOrStdout()
			if len(orders) == 1 {
				res, err := c.AddOrder(cmd.Context(), orders[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s (id %d)\n\n%s\n", res.Message, res.OrderID, res.ReportAnalysis)
				return nil
			}
			items, err := c.AddOrders(cmd.Context(), orders)
			if err != nil {
				return err
			}
			for i, item := range items {
				if item.Error != "" {
					fmt.Fprintf(out, "[%d] error: %s\n", i+1, item.Error)
					continue
				}
				fmt.Fprintf(out, "[%d] %s (id %d)\n", i+1, item.Message, item.OrderID)
			}
			return nil
		},
	})
	return cmd
}

// readOrders loads one order object or an array of them from path ("-" is
// stdin). A missing standard_saved_date becomes the date of now.
func readOrders(path string, now time.Time) ([]types.Order, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}

	var orders []types.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		var one types.Order
		if err1 := json.Unmarshal(data, &one); err1 != nil {
			return nil, fmt.Errorf("failed to parse order JSON: %w", err1)
		}
		orders = []types.Order{one}
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders in %s", path)
	}
	for i := range orders {
		if orders[i].StandardSavedDate.IsZero() {
			orders[i].StandardSavedDate = types.DateOf(now)
		}
	}
	return orders, nil
}
