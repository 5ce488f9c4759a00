// ABOUTME: Offline admin commands that work directly on config and database
// ABOUTME: token issues API JWTs, flows import stores and activates flow graphs

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/flow"
	"github.com/2389/inbox-gateway/internal/store"
)

// defaultTokenTTL is used when --ttl is not given.
const defaultTokenTTL = 30 * 24 * time.Hour

// parsedArgs holds flags and positional arguments of a subcommand.
type parsedArgs struct {
	values map[string]string
	bools  map[string]bool
	rest   []string
}

// parseArgs accepts "--name value" and "--name=value" for valued flags and
// bare "--name" for boolean flags. Unknown flags are errors.
func parseArgs(args []string, valued, boolean []string) (*parsedArgs, error) {
	p := &parsedArgs{values: map[string]string{}, bools: map[string]bool{}}
	isValued := make(map[string]bool, len(valued))
	for _, v := range valued {
		isValued[v] = true
	}
	isBool := make(map[string]bool, len(boolean))
	for _, b := range boolean {
		isBool[b] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			p.rest = append(p.rest, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch {
		case isBool[name] && !hasValue:
			p.bools[name] = true
		case isValued[name] && hasValue:
			p.values[name] = value
		case isValued[name]:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			p.values[name] = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return p, nil
}

func runToken(args []string) error {
	p, err := parseArgs(args, []string{"uid", "owner", "ttl"}, []string{"agent"})
	if err != nil {
		return err
	}
	if len(p.rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", p.rest[0])
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := issueToken(cfg.Auth.JWTSecret, p)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(secret string, p *parsedArgs) (string, error) {
	claims := auth.Claims{
		UID:      p.values["uid"],
		Agent:    p.bools["agent"],
		OwnerUID: p.values["owner"],
	}
	if claims.UID == "" {
		return "", errors.New("--uid is required")
	}
	if claims.Agent && claims.OwnerUID == "" {
		return "", errors.New("--owner is required for agent tokens")
	}
	if !claims.Agent && claims.OwnerUID != "" {
		return "", errors.New("--owner only applies to agent tokens")
	}

	ttl := defaultTokenTTL
	if raw := p.values["ttl"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid --ttl %q", raw)
		}
		ttl = d
	}

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(claims, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runFlows(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "import" {
		return errors.New("usage: inbox-gateway flows import --account UID --flow ID FILE [--activate]")
	}
	p, err := parseArgs(args[1:], []string{"account", "flow", "name"}, []string{"activate"})
	if err != nil {
		return err
	}
	if len(p.rest) != 1 {
		return errors.New("exactly one flow file is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	f, err := importFlow(ctx, s, p)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Stored flow %s for account %s\n", f.FlowID, f.AccountID)
	if p.bools["activate"] {
		green.Printf("  ✓ Activated\n")
	}
	fmt.Println("  Running gateways pick up the change when their graph cache expires.")
	return nil
}

// flowFile is the on-disk flow format: the node and edge arrays as exported
// by the flow editor.
type flowFile struct {
	Name  string          `json:"name"`
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

// flowStore is the part of the store that importFlow needs.
type flowStore interface {
	UpsertAccount(ctx context.Context, a *store.Account) error
	GetAccount(ctx context.Context, uid string) (*store.Account, error)
	SaveFlow(ctx context.Context, f *store.Flow) error
	SetActiveFlow(ctx context.Context, uid, flowID string) error
}

func importFlow(ctx context.Context, s flowStore, p *parsedArgs) (*store.Flow, error) {
	accountID, flowID := p.values["account"], p.values["flow"]
	if accountID == "" || flowID == "" {
		return nil, errors.New("--account and --flow are required")
	}

	data, err := os.ReadFile(p.rest[0])
	if err != nil {
		return nil, fmt.Errorf("reading flow file: %w", err)
	}
	var ff flowFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("decoding flow file: %w", err)
	}
	if _, err := flow.ParseGraph(ff.Nodes, ff.Edges); err != nil {
		return nil, fmt.Errorf("invalid flow graph: %w", err)
	}
	if name := p.values["name"]; name != "" {
		ff.Name = name
	}

	if _, err := s.GetAccount(ctx, accountID); errors.Is(err, store.ErrNotFound) {
		if err := s.UpsertAccount(ctx, &store.Account{UID: accountID, Timezone: "UTC"}); err != nil {
			return nil, fmt.Errorf("creating account: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	f := &store.Flow{AccountID: accountID, FlowID: flowID, Name: ff.Name, Nodes: ff.Nodes, Edges: ff.Edges}
	if err := s.SaveFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("saving flow: %w", err)
	}
	if p.bools["activate"] {
		if err := s.SetActiveFlow(ctx, accountID, flowID); err != nil {
			return nil, fmt.Errorf("activating flow: %w", err)
		}
	}
	return f, nil
}
