// Command client submits one query to the portal node and prints the merged
// entries plus the hop-by-hop timing breakdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crashnet/overlay/internal/config"
	"github.com/crashnet/overlay/internal/model"
	"github.com/crashnet/overlay/internal/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	target := flag.String("target", "", "portal address host:port (overrides -config)")
	configPath := flag.String("config", "", "overlay config JSON; the portal node is dialed")
	verb := flag.String("verb", "get_all", "query verb")
	params := flag.String("params", "", "comma-separated query parameters")
	useStream := flag.Bool("stream", false, "use the streaming RPC")
	timeout := flag.Duration("timeout", 30*time.Second, "query timeout")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	addr, err := resolveTarget(*target, *configPath)
	if err != nil {
		logger.Fatal("No portal to dial", zap.Error(err))
	}

	client, err := rpc.NewClient(addr, logger)
	if err != nil {
		logger.Fatal("Failed to create channel", zap.Error(err))
	}
	defer client.Close()

	query := model.Query{
		ID:   uuid.NewString(),
		Verb: *verb,
	}
	if *params != "" {
		query.Params = strings.Split(*params, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *useStream {
		var total int
		err := client.Stream(ctx, query, func(chunk []byte, last bool) error {
			total += len(chunk)
			fmt.Printf("chunk: %d bytes (last=%t)\n", len(chunk), last)
			return nil
		})
		if err != nil {
			logger.Fatal("Stream failed", zap.Error(err))
		}
		fmt.Printf("streamed %d bytes total\n", total)
		return
	}

	result, err := client.Query(ctx, query)
	if err != nil {
		logger.Warn("Transport error", zap.Error(err))
	}

	fmt.Printf("query_id: %s\nsuccess:  %t\nmessage:  %s\nentries:  %d\n",
		result.QueryID, result.Success, result.Message, len(result.Entries))
	for _, entry := range result.Entries {
		fmt.Printf("  %s = %s\n", entry.Key, renderValue(entry.Value))
	}
	if result.TimingBlob != "" {
		fmt.Printf("\nTiming:\n%s", result.TimingBlob)
	}
	if !result.Success {
		os.Exit(1)
	}
}

// resolveTarget picks the dial address: explicit -target wins, otherwise the
// portal entry of the overlay config.
func resolveTarget(target, configPath string) (string, error) {
	if target != "" {
		return target, nil
	}
	if configPath == "" {
		return "", fmt.Errorf("pass -target or -config")
	}
	topo, err := config.LoadTopology(configPath)
	if err != nil {
		return "", err
	}
	for _, id := range topo.NodeIDs() {
		node := topo.Processes[id]
		if node.Portal {
			return node.Address(), nil
		}
	}
	return "", fmt.Errorf("config declares no portal node")
}

func renderValue(v model.DataValue) string {
	switch v.Kind {
	case model.KindInt:
		return fmt.Sprintf("%d", v.Int)
	case model.KindDouble:
		return fmt.Sprintf("%g", v.Double)
	case model.KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case model.KindString:
		return v.Str
	case model.KindBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case model.KindCrash:
		if v.Crash != nil {
			return v.Crash.Summary()
		}
	}
	return ""
}
