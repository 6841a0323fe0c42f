package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/stratlab-hq/stratlab/internal/types"
	"go.starlark.net/syntax"
)

// EntryFunc is the function every strategy program must define at top level.
// It receives the stock and portfolio handles and returns the hook table.
const EntryFunc = "strategy"

// fileOptions is the dialect strategies are parsed and executed with. It must
// be identical in the validator and the runtime or a validated program could
// fail to parse at execution time.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// deniedIdents are refused anywhere in strategy source, nested scopes
// included. Some of these exist in the interpreter universe (getattr, type,
// dir), some never did; refusing all of them here means the user gets a
// positioned error before anything runs.
var deniedIdents = map[string]struct{}{
	"load":       {},
	"getattr":    {},
	"setattr":    {},
	"delattr":    {},
	"hasattr":    {},
	"dir":        {},
	"type":       {},
	"repr":       {},
	"hash":       {},
	"fail":       {},
	"eval":       {},
	"exec":       {},
	"compile":    {},
	"open":       {},
	"input":      {},
	"globals":    {},
	"locals":     {},
	"vars":       {},
	"breakpoint": {},
	"memoryview": {},
	"bytes":      {},
	"bytearray":  {},
}

// allowedAttrs is the complete attribute surface a strategy may touch: the
// documented stock and portfolio methods plus plain container and string
// methods. Anything else is an error, which also closes every path to a raw
// candle table.
var allowedAttrs = map[string]struct{}{
	// stock
	"symbol": {}, "price": {}, "get_candle": {}, "to_iloc": {}, "tr": {},
	"sma": {}, "ema": {}, "rsi": {}, "atr": {}, "adx": {}, "macd": {},
	"bollinger_bands": {},
	// portfolio
	"cash": {}, "get_value": {}, "get_position": {}, "positions": {},
	"enter_position_long": {}, "enter_position_short": {}, "exit_position": {},
	"estimate_fill_price": {}, "estimate_buy_cost": {},
	"estimate_sell_proceeds": {}, "max_affordable_buy": {},
	"get_buying_power": {}, "get_reserved_cash": {},
	"get_short_market_value": {},
	// list
	"append": {}, "extend": {}, "insert": {}, "remove": {}, "pop": {},
	"clear": {}, "index": {}, "count": {},
	// dict
	"get": {}, "keys": {}, "values": {}, "items": {}, "setdefault": {},
	"update": {},
	// string
	"upper": {}, "lower": {}, "strip": {}, "lstrip": {}, "rstrip": {},
	"split": {}, "rsplit": {}, "join": {}, "startswith": {}, "endswith": {},
	"replace": {}, "find": {}, "rfind": {}, "format": {}, "capitalize": {},
	"title": {}, "isdigit": {}, "isalpha": {}, "isspace": {}, "elems": {},
	// set
	"add": {}, "union": {}, "discard": {},
}

// Definition is the statically certified shape of a strategy program. The
// runtime only ever calls through this contract.
type Definition struct {
	// Hash is the sha256 of the source, used as the cache key and as a
	// stable identity for the certified program.
	Hash string
	// Extras are the parameter names after stock and portfolio. All of
	// them carry defaults so the runtime can call with two arguments.
	Extras []string
}

type validation struct {
	def *Definition
	err *types.ValidationError
}

var (
	cacheMu sync.Mutex
	cache   = map[string]validation{}
)

// Validate statically checks strategy source without executing any of it.
// Results are cached by source hash, so repeated submissions of the same
// program are free.
func Validate(code string) (*Definition, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &types.ValidationError{
			Construct: "empty source",
			Message:   "strategy code cannot be empty",
		}
	}

	if len(code) > types.MaxStrategyCodeLen {
		return nil, &types.ValidationError{
			Construct: "source length",
			Message:   fmt.Sprintf("strategy code exceeds maximum length (%d)", types.MaxStrategyCodeLen),
		}
	}

	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])

	cacheMu.Lock()
	cached, ok := cache[key]
	cacheMu.Unlock()

	if ok {
		if cached.err != nil {
			return nil, cached.err
		}

		return cached.def, nil
	}

	def, verr := validate(key, code)

	cacheMu.Lock()
	cache[key] = validation{def: def, err: verr}
	cacheMu.Unlock()

	if verr != nil {
		return nil, verr
	}

	return def, nil
}

func validate(hash, code string) (*Definition, *types.ValidationError) {
	file, err := fileOptions.Parse("strategy", code, 0)
	if err != nil {
		return nil, &types.ValidationError{
			Construct: "syntax",
			Message:   fmt.Sprintf("syntax error: %v", err),
		}
	}

	if verr := walkDeny(file); verr != nil {
		return nil, verr
	}

	return checkEntry(file, hash)
}

// walkDeny refuses denied identifiers, load statements and attribute names
// outside the allowed surface, reporting the first offender with its
// position.
func walkDeny(file *syntax.File) *types.ValidationError {
	var verr *types.ValidationError

	for _, stmt := range file.Stmts {
		syntax.Walk(stmt, func(n syntax.Node) bool {
			if n == nil || verr != nil {
				return false
			}

			switch node := n.(type) {
			case *syntax.LoadStmt:
				verr = nodeError(n, "load statement", "load statements are not allowed in strategy code")
			case *syntax.DotExpr:
				name := node.Name.Name
				if strings.HasPrefix(name, "_") {
					verr = nodeError(node.Name, "attribute access",
						fmt.Sprintf("access to attribute %q is not allowed", name))

					break
				}

				if _, ok := allowedAttrs[name]; !ok {
					verr = nodeError(node.Name, "attribute access",
						fmt.Sprintf("attribute %q is not part of the strategy surface", name))
				}
			case *syntax.Ident:
				if _, ok := deniedIdents[node.Name]; ok {
					verr = nodeError(node, "identifier",
						fmt.Sprintf("use of %q is not allowed in strategy code", node.Name))

					break
				}

				if strings.HasPrefix(node.Name, "__") {
					verr = nodeError(node, "identifier",
						fmt.Sprintf("use of %q is not allowed in strategy code", node.Name))
				}
			}

			return verr == nil
		})

		if verr != nil {
			return verr
		}
	}

	return nil
}

// checkEntry requires exactly one top-level entry function whose first two
// parameters are stock and portfolio; any further parameters must carry
// defaults.
func checkEntry(file *syntax.File, hash string) (*Definition, *types.ValidationError) {
	var entry *syntax.DefStmt

	for _, stmt := range file.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok || def.Name.Name != EntryFunc {
			continue
		}

		if entry != nil {
			return nil, nodeError(def, "strategy definition",
				fmt.Sprintf("strategy code must define %q exactly once", EntryFunc))
		}

		entry = def
	}

	if entry == nil {
		return nil, &types.ValidationError{
			Construct: "strategy definition",
			Message:   fmt.Sprintf("strategy code must define a top-level function %q", EntryFunc),
		}
	}

	if len(entry.Params) < 2 {
		return nil, nodeError(entry, "strategy definition",
			fmt.Sprintf("%q must take (stock, portfolio) as its first two parameters", EntryFunc))
	}

	for i, want := range []string{"stock", "portfolio"} {
		ident, ok := entry.Params[i].(*syntax.Ident)
		if !ok || ident.Name != want {
			return nil, nodeError(entry.Params[i], "strategy definition",
				fmt.Sprintf("parameter %d of %q must be %q", i+1, EntryFunc, want))
		}
	}

	extras := make([]string, 0, len(entry.Params)-2)

	for _, param := range entry.Params[2:] {
		bin, ok := param.(*syntax.BinaryExpr)
		if !ok || bin.Op != syntax.EQ {
			return nil, nodeError(param, "strategy definition",
				fmt.Sprintf("extra parameters of %q must have default values", EntryFunc))
		}

		if ident, ok := bin.X.(*syntax.Ident); ok {
			extras = append(extras, ident.Name)
		}
	}

	return &Definition{Hash: hash, Extras: extras}, nil
}

func nodeError(n syntax.Node, construct, message string) *types.ValidationError {
	start, _ := n.Span()

	return &types.ValidationError{
		Construct: construct,
		Pos:       fmt.Sprintf("%d:%d", start.Line, start.Col),
		Message:   message,
	}
}
