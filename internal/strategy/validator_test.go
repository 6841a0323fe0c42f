package strategy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/stratlab-hq/stratlab/internal/types"
)

const crossoverSource = `
def strategy(stock, portfolio):
    fast = stock.sma(10)
    slow = stock.sma(30)
    state = {"in_market": False}

    def update(o, h, l, c, i):
        if fast[i] == None or slow[i] == None:
            return
        if fast[i] > slow[i] and not state["in_market"]:
            portfolio.enter_position_long(stock, 10, i)
            state["in_market"] = True
        elif fast[i] < slow[i] and state["in_market"]:
            portfolio.exit_position(stock, 10, i)
            state["in_market"] = False

    return {"update": update}
`

type ValidatorTestSuite struct {
	suite.Suite
}

func TestValidatorSuite(t *testing.T) {
	suite.Run(t, new(ValidatorTestSuite))
}

func (suite *ValidatorTestSuite) requireValidationError(code, fragment string) *types.ValidationError {
	_, err := Validate(code)
	suite.Require().Error(err)

	verr, ok := err.(*types.ValidationError)
	suite.Require().True(ok, "expected *types.ValidationError, got %T", err)
	suite.Contains(verr.Message, fragment)

	return verr
}

func (suite *ValidatorTestSuite) TestAcceptsCrossover() {
	def, err := Validate(crossoverSource)
	suite.Require().NoError(err)
	suite.NotEmpty(def.Hash)
	suite.Empty(def.Extras)
}

func (suite *ValidatorTestSuite) TestCachedBySource() {
	first, err := Validate(crossoverSource)
	suite.Require().NoError(err)

	second, err := Validate(crossoverSource)
	suite.Require().NoError(err)
	suite.Equal(first.Hash, second.Hash)
}

func (suite *ValidatorTestSuite) TestEmptySource() {
	suite.requireValidationError("", "cannot be empty")
	suite.requireValidationError("   \n\t", "cannot be empty")
}

func (suite *ValidatorTestSuite) TestOversizedSource() {
	padding := "# " + strings.Repeat("x", types.MaxStrategyCodeLen) + "\n"
	suite.requireValidationError(padding+crossoverSource, "maximum length")
}

func (suite *ValidatorTestSuite) TestSyntaxError() {
	suite.requireValidationError("def strategy(stock, portfolio:\n    pass\n", "syntax error")
}

func (suite *ValidatorTestSuite) TestRejectsLoad() {
	code := `load("module.star", "helper")

def strategy(stock, portfolio):
    return None
`
	verr := suite.requireValidationError(code, "load statements")
	suite.NotEmpty(verr.Pos)
}

func (suite *ValidatorTestSuite) TestRejectsDeniedIdents() {
	for _, ident := range []string{"getattr", "setattr", "type", "dir", "eval", "open"} {
		code := "def strategy(stock, portfolio):\n    x = " + ident + "\n    return None\n"
		suite.requireValidationError(code, "not allowed")
	}
}

func (suite *ValidatorTestSuite) TestRejectsDunderIdents() {
	code := `def strategy(stock, portfolio):
    x = __import__
    return None
`
	suite.requireValidationError(code, "not allowed")
}

func (suite *ValidatorTestSuite) TestRejectsUnknownAttribute() {
	code := `def strategy(stock, portfolio):
    x = stock.candles
    return None
`
	suite.requireValidationError(code, "not part of the strategy surface")
}

func (suite *ValidatorTestSuite) TestRejectsUnderscoreAttribute() {
	code := `def strategy(stock, portfolio):
    x = stock._internal
    return None
`
	suite.requireValidationError(code, "not allowed")
}

func (suite *ValidatorTestSuite) TestMissingEntryFunction() {
	code := `def run(stock, portfolio):
    return None
`
	suite.requireValidationError(code, "must define a top-level function")
}

func (suite *ValidatorTestSuite) TestDuplicateEntryFunction() {
	code := `def strategy(stock, portfolio):
    return None

def strategy(stock, portfolio):
    return None
`
	suite.requireValidationError(code, "exactly once")
}

func (suite *ValidatorTestSuite) TestWrongParameterNames() {
	code := `def strategy(s, p):
    return None
`
	suite.requireValidationError(code, "must be")
}

func (suite *ValidatorTestSuite) TestTooFewParameters() {
	code := `def strategy(stock):
    return None
`
	suite.requireValidationError(code, "first two parameters")
}

func (suite *ValidatorTestSuite) TestExtrasRequireDefaults() {
	code := `def strategy(stock, portfolio, period):
    return None
`
	suite.requireValidationError(code, "default values")
}

func (suite *ValidatorTestSuite) TestExtrasWithDefaults() {
	code := `def strategy(stock, portfolio, period=14, threshold=0.5):
    return None
`
	def, err := Validate(code)
	suite.Require().NoError(err)
	suite.Equal([]string{"period", "threshold"}, def.Extras)
}

func (suite *ValidatorTestSuite) TestDeniedIdentInsideNestedScope() {
	code := `def strategy(stock, portfolio):
    def update(o, h, l, c, i):
        hasattr(stock, "price")
    return {"update": update}
`
	suite.requireValidationError(code, "not allowed")
}
