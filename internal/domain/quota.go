package domain

// UnlimitedDeploys marks a plan tier with no monthly deploy ceiling.
const UnlimitedDeploys = -1

// QuotaWindow summarizes usage against a single billing-period limit.
type QuotaWindow struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Exhausted reports whether the window has no allowance left. An unlimited
// window is never exhausted.
func (w QuotaWindow) Exhausted() bool {
	return w.Limit != UnlimitedDeploys && w.Remaining <= 0
}

// Quota is the derived entitlement state for a user in the current billing
// period. It is computed per request, never stored.
type Quota struct {
	Plan           string      `json:"plan"`
	MonthlyDeploys QuotaWindow `json:"monthlyDeploys"`
	Environments   []string    `json:"environments"`
}

// AllowsEnvironment reports whether the plan's allow-list contains env.
func (q Quota) AllowsEnvironment(env string) bool {
	for _, allowed := range q.Environments {
		if allowed == env {
			return true
		}
	}
	return false
}
