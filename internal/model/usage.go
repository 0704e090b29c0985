package model

import "time"

// DefaultMonthlyLimit applies when neither the owner settings nor the config name a limit.
const DefaultMonthlyLimit = 100

// Usage is one owner's ledger row for one calendar month.
type Usage struct {
	Owner  string `json:"owner"`
	Period string `json:"period"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
}

func (u Usage) Remaining() int {
	if r := u.Limit - u.Count; r > 0 {
		return r
	}
	return 0
}

// Period returns the ledger period ("YYYY-MM") containing t in loc (UTC when nil).
func Period(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01")
}

// ValidPeriod reports whether p looks like "YYYY-MM".
func ValidPeriod(p string) bool {
	_, err := time.Parse("2006-01", p)
	return err == nil
}
