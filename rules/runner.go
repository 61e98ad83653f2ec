package rules

// ConditionEvaluator scores one rule against an item.
// *Evaluator is the production implementation.
type ConditionEvaluator interface {
	Evaluate(rule Rule, item Item) (bool, error)
}

// MatchResult is the outcome of running one group against one item
type MatchResult struct {
	Matched   bool
	Evaluated int     // number of evaluator calls made
	Notes     []error // missing fields and other per-condition problems
}

// Runner combines a group's conditions into one decision per item
type Runner struct {
	eval ConditionEvaluator
}

// NewRunner creates a runner over the given evaluator
func NewRunner(eval ConditionEvaluator) *Runner {
	return &Runner{eval: eval}
}

// Match folds the group's rules left to right using its join list.
// AND skips evaluation while the result is false and OR skips it while
// the result is true; there is no precedence between the two. A group
// without rules matches every item.
func (r *Runner) Match(group *RuleGroup, item Item) MatchResult {
	var res MatchResult
	if len(group.Rules) == 0 {
		res.Matched = true
		return res
	}

	acc := r.evaluate(group.Rules[0], item, &res)
	for i := 1; i < len(group.Rules); i++ {
		join := JoinAnd
		if i-1 < len(group.Joins) {
			join = group.Joins[i-1]
		}
		switch join {
		case JoinOr:
			if acc {
				continue
			}
		default:
			if !acc {
				continue
			}
		}
		acc = r.evaluate(group.Rules[i], item, &res)
	}

	res.Matched = acc
	return res
}

// Matches is Match without the bookkeeping
func (r *Runner) Matches(group *RuleGroup, item Item) bool {
	return r.Match(group, item).Matched
}

func (r *Runner) evaluate(rule Rule, item Item, res *MatchResult) bool {
	res.Evaluated++
	ok, err := r.eval.Evaluate(rule, item)
	if err != nil {
		res.Notes = append(res.Notes, err)
		return false
	}
	return ok
}
