// cmd/drain is the consumer command line: fund and manage payment channels
// and pay for chat completions with signed vouchers.
//
// Usage:
//
//	DRAIN_PRIVATE_KEY=0x<key> go run ./cmd/drain <command> [flags]
//
// Commands:
//
//	balance                             token balance and allowance
//	approve  --amount 10                approve the channel contract
//	open     --provider 0x.. --amount 5 --duration 24h [--approve]
//	status   [--channel 0x..]           local and on-chain channel view
//	sign     --channel 0x.. --amount 0.01
//	close    --channel 0x..             refund after expiry
//	pricing  --url https://provider
//	chat     --url https://provider --channel 0x.. --model gpt-4o-mini "prompt"
//
// Amounts are in USDC. Channel state (nonce and signed total) is kept in
// --state so later invocations continue where earlier ones stopped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/chain"
	"github.com/0gfoundation/0g-drain/internal/config"
	"github.com/0gfoundation/0g-drain/internal/consumer"
	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

type globals struct {
	chainID  int64
	rpc      string
	contract string
	token    string
	state    string
	debug    bool
}

func (g *globals) register(fs *flag.FlagSet) {
	home, _ := os.UserHomeDir()
	fs.Int64Var(&g.chainID, "chain-id", drain.ChainPolygon, "chain ID (137 or 80002)")
	fs.StringVar(&g.rpc, "rpc", "", "RPC endpoint (default: the network's public RPC)")
	fs.StringVar(&g.contract, "contract", "", "DrainChannel address override")
	fs.StringVar(&g.token, "token", "", "USDC address override")
	fs.StringVar(&g.state, "state", filepath.Join(home, ".drain", "state.json"), "channel state file")
	fs.BoolVar(&g.debug, "debug", false, "development logging to stderr")
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	commands := map[string]func(*globals, []string){
		"balance": cmdBalance,
		"approve": cmdApprove,
		"open":    cmdOpen,
		"status":  cmdStatus,
		"sign":    cmdSign,
		"close":   cmdClose,
		"pricing": cmdPricing,
		"chat":    cmdChat,
	}
	run, ok := commands[cmd]
	if !ok {
		usage()
	}
	run(&globals{}, args)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: drain <balance|approve|open|status|sign|close|pricing|chat> [flags]")
	os.Exit(2)
}

// session is a consumer client with its saved channels loaded.
type session struct {
	g      *globals
	client *consumer.Client
	chain  *chain.Client
}

func connect(g *globals) *session {
	key := os.Getenv("DRAIN_PRIVATE_KEY")
	if key == "" {
		fatalf("DRAIN_PRIVATE_KEY not set")
	}
	network, err := drain.ResolveNetwork(g.chainID, g.contract, g.token)
	if err != nil {
		fatalf("%v", err)
	}
	rpc := g.rpc
	if rpc == "" {
		rpc = network.RPCURL
	}

	onchain, err := chain.NewClient(&config.ChainConfig{
		RPCURL:          rpc,
		ChainID:         g.chainID,
		ContractAddress: g.contract,
		TokenAddress:    g.token,
		PrivateKey:      key,
		ReceiptWaitSec:  120,
		MaxBackoffSec:   16,
	})
	if err != nil {
		fatalf("chain client: %v", err)
	}

	log := zap.NewNop()
	if g.debug {
		log, _ = zap.NewDevelopment()
	}
	c := consumer.New(onchain, onchain.PrivateKey(), log)
	if err := c.LoadState(g.state); err != nil {
		fatalf("%v", err)
	}
	return &session{g: g, client: c, chain: onchain}
}

func (s *session) save() {
	if err := os.MkdirAll(filepath.Dir(s.g.state), 0o700); err != nil {
		fatalf("state dir: %v", err)
	}
	if err := s.client.SaveState(s.g.state); err != nil {
		fatalf("save state: %v", err)
	}
}

func (s *session) close() { s.chain.Close() }

func parseFlags(g *globals, name string, args []string, setup func(fs *flag.FlagSet)) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g.register(fs)
	if setup != nil {
		setup(fs)
	}
	_ = fs.Parse(args)
	return fs
}

func ctxTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

// ── Commands ──────────────────────────────────────────────────────────────────

func cmdBalance(g *globals, args []string) {
	parseFlags(g, "balance", args, nil)
	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	bal, err := s.client.Balance(ctx)
	if err != nil {
		fatalf("balance: %v", err)
	}
	allowance, err := s.client.Allowance(ctx)
	if err != nil {
		fatalf("allowance: %v", err)
	}
	fmt.Printf("account:   %s\n", s.client.Address().Hex())
	fmt.Printf("network:   %s\n", s.chain.Network().Name)
	fmt.Printf("balance:   %s USDC\n", drain.FormatUSDC(bal))
	fmt.Printf("allowance: %s USDC\n", drain.FormatUSDC(allowance))
}

func cmdApprove(g *globals, args []string) {
	var amount string
	parseFlags(g, "approve", args, func(fs *flag.FlagSet) {
		fs.StringVar(&amount, "amount", "", "allowance in USDC")
	})
	units := mustUSDC(amount)
	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	tx, err := s.client.Approve(ctx, units)
	if err != nil {
		fatalf("approve: %v", err)
	}
	fmt.Printf("approved %s USDC\n      tx: %s\n", drain.FormatUSDC(units), tx.Hex())
}

func cmdOpen(g *globals, args []string) {
	var provider, amount, duration string
	var approve bool
	parseFlags(g, "open", args, func(fs *flag.FlagSet) {
		fs.StringVar(&provider, "provider", "", "provider address")
		fs.StringVar(&amount, "amount", "", "deposit in USDC")
		fs.StringVar(&duration, "duration", "24h", "channel lifetime: 3600, 30m, 24h, 7d")
		fs.BoolVar(&approve, "approve", false, "approve the deposit first if the allowance is short")
	})
	if !common.IsHexAddress(provider) {
		fatalf("--provider must be an address")
	}
	secs, err := consumer.ParseDuration(duration)
	if err != nil {
		fatalf("%v", err)
	}
	units := mustUSDC(amount)

	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	res, err := s.client.OpenChannel(ctx, consumer.OpenOptions{
		Provider:        common.HexToAddress(provider),
		Amount:          units,
		DurationSec:     secs,
		EnsureAllowance: approve,
	})
	if err != nil {
		fatalf("open: %v", err)
	}
	s.save()
	fmt.Printf("channel:  %s\n", res.ChannelID.Hex())
	fmt.Printf("deposit:  %s USDC\n", drain.FormatUSDC(res.Channel.Deposit))
	fmt.Printf("expires:  %s\n", res.Channel.ExpiresAt().UTC().Format(time.RFC3339))
	fmt.Printf("      tx: %s\n", res.TxHash.Hex())
}

func cmdStatus(g *globals, args []string) {
	var channel string
	parseFlags(g, "status", args, func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel ID (default: all tracked)")
	})
	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	var ids []common.Hash
	if channel != "" {
		ids = append(ids, mustChannel(channel))
	} else {
		for _, st := range s.client.States() {
			ids = append(ids, st.ChannelID)
		}
	}
	if len(ids) == 0 {
		fmt.Println("no tracked channels")
		return
	}
	for _, id := range ids {
		ch, err := s.client.RefreshChannel(ctx, id)
		fmt.Printf("%s\n", id.Hex())
		if err != nil {
			fmt.Printf("  on-chain:  %v\n", err)
		} else {
			state := "open"
			if ch.Expired(time.Now()) {
				state = "expired, refundable"
			}
			fmt.Printf("  on-chain:  %s, deposit %s, claimed %s, expires %s\n", state,
				drain.FormatUSDC(ch.Deposit), drain.FormatUSDC(ch.Claimed),
				ch.ExpiresAt().UTC().Format(time.RFC3339))
		}
		if st, ok := s.client.ChannelState(id); ok {
			fmt.Printf("  signed:    %s USDC (nonce %s), charged %s, remaining %s\n",
				drain.FormatUSDC(st.Spend), st.LastNonce, drain.FormatUSDC(st.Charged), drain.FormatUSDC(st.Remaining()))
		}
	}
	s.save()
}

func cmdSign(g *globals, args []string) {
	var channel, amount string
	parseFlags(g, "sign", args, func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel ID")
		fs.StringVar(&amount, "amount", "", "increment in USDC over what is already signed")
	})
	id, units := mustChannel(channel), mustUSDC(amount)
	s := connect(g)
	defer s.close()

	v, err := s.client.SignVoucher(id, units)
	if err != nil {
		fatalf("sign: %v", err)
	}
	s.save()
	h, err := voucher.EncodeHeader(v)
	if err != nil {
		fatalf("encode: %v", err)
	}
	fmt.Printf("%s: %s\n", voucher.HeaderName, h)
}

func cmdClose(g *globals, args []string) {
	var channel string
	parseFlags(g, "close", args, func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "channel ID")
	})
	id := mustChannel(channel)
	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	res, err := s.client.CloseChannel(ctx, id)
	if err != nil {
		fatalf("close: %v", err)
	}
	s.save()
	fmt.Printf("refunded %s USDC\n      tx: %s\n", drain.FormatUSDC(res.Refund), res.TxHash.Hex())
}

func cmdPricing(g *globals, args []string) {
	var url string
	parseFlags(g, "pricing", args, func(fs *flag.FlagSet) {
		fs.StringVar(&url, "url", "", "provider base URL")
	})
	if url == "" {
		fatalf("--url required")
	}
	ctx, cancel := ctxTimeout()
	defer cancel()

	p, err := consumer.NewPaidClient(nil, url, 30*time.Second).Pricing(ctx)
	if err != nil {
		fatalf("pricing: %v", err)
	}
	fmt.Printf("provider: %s (chain %d, source %s)\n", p.Provider.Hex(), p.ChainID, p.Source)
	for model, price := range p.Models {
		fmt.Printf("  %-24s in %s / out %s USDC per 1k tokens\n", model,
			drain.FormatUSDC(price.InputPer1k), drain.FormatUSDC(price.OutputPer1k))
	}
}

func cmdChat(g *globals, args []string) {
	var url, channel, model, budget string
	var maxTokens int64
	var stream bool
	fs := parseFlags(g, "chat", args, func(fs *flag.FlagSet) {
		fs.StringVar(&url, "url", "", "provider base URL")
		fs.StringVar(&channel, "channel", "", "channel ID")
		fs.StringVar(&model, "model", "gpt-4o-mini", "model")
		fs.StringVar(&budget, "budget", "0.05", "most this request may cost, in USDC")
		fs.Int64Var(&maxTokens, "max-tokens", 0, "max output tokens")
		fs.BoolVar(&stream, "stream", false, "stream the response")
	})
	prompt := strings.Join(fs.Args(), " ")
	if url == "" || prompt == "" {
		fatalf("--url and a prompt are required")
	}
	id, limit := mustChannel(channel), mustUSDC(budget)

	req := map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"stream":   stream,
	}
	if maxTokens > 0 {
		req["max_tokens"] = maxTokens
	}
	body, _ := json.Marshal(req)

	s := connect(g)
	defer s.close()
	ctx, cancel := ctxTimeout()
	defer cancel()

	res, err := consumer.NewPaidClient(s.client, url, 2*time.Minute).ChatCompletion(ctx, id, body, limit)
	// Whatever was signed must be remembered, even if the request failed.
	s.save()
	if err != nil {
		fatalf("chat: %v", err)
	}

	if stream {
		os.Stdout.Write(res.Body) //nolint:errcheck
	} else {
		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		_ = json.Unmarshal(res.Body, &parsed)
		for _, c := range parsed.Choices {
			fmt.Println(c.Message.Content)
		}
	}
	fmt.Fprintf(os.Stderr, "\ncost %s USDC, channel total %s, remaining %s\n",
		fmtUnits(res.Report.Cost), fmtUnits(res.Report.Total), fmtUnits(res.Report.Remaining))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func mustUSDC(s string) *big.Int {
	if s == "" {
		fatalf("amount required")
	}
	n, err := drain.ParseUSDC(s)
	if err != nil {
		fatalf("%v", err)
	}
	return n
}

func mustChannel(s string) common.Hash {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		fatalf("--channel must be a 0x-prefixed 32-byte hex ID")
	}
	return common.HexToHash(s)
}

func fmtUnits(n *big.Int) string {
	if n == nil {
		return "?"
	}
	return drain.FormatUSDC(n)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
