// Package rules provides optional CEL-based record filters. Operators can
// supply expressions evaluated per source record as extra exclusion
// predicates; a record is kept when the expression returns true.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ClaimFilter is a compiled predicate over coupon claims.
type ClaimFilter struct {
	program cel.Program
}

// PaymentFilter is a compiled predicate over payment records.
type PaymentFilter struct {
	program cel.Program
}

// CompileClaimFilter compiles an expression over claim fields. Compile
// failures are configuration errors and surface before any processing.
func CompileClaimFilter(expression string) (*ClaimFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("campaign_id", cel.StringType),
		cel.Variable("claimed_at", cel.TimestampType),
		cel.Variable("cashback_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	program, err := compileBool(env, expression)
	if err != nil {
		return nil, fmt.Errorf("claim filter: %w", err)
	}
	return &ClaimFilter{program: program}, nil
}

// Match evaluates the filter for one claim.
func (f *ClaimFilter) Match(c *domain.CouponClaim) (bool, error) {
	return evalBool(f.program, map[string]any{
		"customer_id":     c.CustomerID,
		"campaign_id":     c.CampaignID,
		"claimed_at":      c.ClaimedAt,
		"cashback_amount": c.CashbackAmount,
	})
}

// CompilePaymentFilter compiles an expression over payment fields.
func CompilePaymentFilter(expression string) (*PaymentFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("txn_id", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("channel_id", cel.StringType),
		cel.Variable("customer_type", cel.StringType),
		cel.Variable("txn_state", cel.StringType),
		cel.Variable("paid_at", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	program, err := compileBool(env, expression)
	if err != nil {
		return nil, fmt.Errorf("payment filter: %w", err)
	}
	return &PaymentFilter{program: program}, nil
}

// Match evaluates the filter for one payment.
func (f *PaymentFilter) Match(p *domain.PaymentRecord) (bool, error) {
	return evalBool(f.program, map[string]any{
		"txn_id":        p.TxnID,
		"customer_id":   p.CustomerID,
		"channel_id":    p.ChannelID,
		"customer_type": p.CustomerType,
		"txn_state":     p.TxnState,
		"paid_at":       p.PaidAt,
	})
}

func compileBool(env *cel.Env, expression string) (cel.Program, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return env.Program(ast)
}

func evalBool(program cel.Program, activation map[string]any) (bool, error) {
	out, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned non-bool value")
	}
	return bool(b), nil
}
