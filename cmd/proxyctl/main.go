package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"proxy-rmi/client"
	"proxy-rmi/config"
	"proxy-rmi/node"
	"proxy-rmi/observability"
)

const usage = `usage: proxyctl [flags] <command> [args]

commands:
  list                         list exported names
  fetch <name>                 fetch an export ("" for the root object)
  call <name> <method> [args]  invoke a method on an exported object
  eval <source>                ask the server to evaluate source
  shutdown                     stop the server
`

func main() {
	configPath := flag.String("config", "", "Path to TOML config (optional)")
	network := flag.String("network", "", "Override server network (tcp, unix)")
	address := flag.String("addr", "", "Override server address")
	verbose := flag.Bool("verbose", false, "Log every frame")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fatalf("%v", err)
		}
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *address != "" {
		cfg.Address = *address
	}
	cfg.Verbose = cfg.Verbose || *verbose
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	observability.InitLogger("proxyctl", cfg.Verbose)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := client.DialRetry(ctx, cfg.Network, cfg.Address, cfg.ClientOptions())
	if err != nil {
		fatalf("connect %s: %v", cfg.Address, err)
	}
	defer c.Close()

	if err := runCommand(c, flag.Args()); err != nil {
		c.Close()
		fatalf("%v", err)
	}
}

func runCommand(c *client.Client, args []string) error {
	switch args[0] {
	case "list":
		names, err := c.ListExports()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "fetch":
		if len(args) != 2 {
			return fmt.Errorf("fetch takes one name")
		}
		v, err := c.Fetch(args[1])
		if err != nil {
			return err
		}
		return printValue(v)
	case "call":
		if len(args) < 3 {
			return fmt.Errorf("call takes a name and a method")
		}
		h, err := c.FetchHandle(args[1])
		if err != nil {
			return err
		}
		defer h.Release()
		v, err := h.Invoke(args[2], parseArgs(args[3:])...)
		if err != nil {
			return err
		}
		return printValue(v)
	case "eval":
		if len(args) != 2 {
			return fmt.Errorf("eval takes one source argument")
		}
		v, err := c.Eval(args[1])
		if err != nil {
			return err
		}
		return printValue(v)
	case "shutdown":
		if err := c.Shutdown(5 * time.Second); err != nil {
			return err
		}
		log.Info().Msg("server stopped")
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// parseArgs turns command line words into integers, floats or booleans where
// they parse as such, and strings otherwise.
func parseArgs(words []string) []any {
	out := make([]any, len(words))
	for i, w := range words {
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			out[i] = n
		} else if f, err := strconv.ParseFloat(w, 64); err == nil {
			out[i] = f
		} else if b, err := strconv.ParseBool(w); err == nil {
			out[i] = b
		} else {
			out[i] = w
		}
	}
	return out
}

func printValue(v any) error {
	if h, ok := v.(*node.Handle); ok {
		fmt.Println(h.String())
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "proxyctl: "+format+"\n", args...)
	os.Exit(1)
}
