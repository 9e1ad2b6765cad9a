package classify

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const moneyExpr = `\$\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`

// Term extraction patterns
var (
	moneyPattern    = regexp.MustCompile(moneyExpr)
	monthlyPattern  = regexp.MustCompile(`(?i)` + moneyExpr + `\s*(?:/\s*month\b|/\s*mo\b|(?:per|a|each|every)\s+month\b|monthly\b)`)
	countPattern    = regexp.MustCompile(`(?i)\b(\d{1,3})\s+(?:(?:equal|monthly|weekly|bi-?weekly|consecutive)\s+)?(?:months|payments|installments)\b`)
	totalPattern    = regexp.MustCompile(`(?i)\btotal(?:ing|ling)?\s+(?:of\s+|amount\s+(?:of\s+)?)?` + moneyExpr)
	settlePattern   = regexp.MustCompile(`(?i)\b(?:settle(?:ment)?|lump[\s-]sum|accept|offer|pay(?:ment)?\s+of|reduce(?:d)?\s+to)\b[^$.\n]{0,30}` + moneyExpr)
	balancePattern  = regexp.MustCompile(`(?i)\b(?:balance|amount\s+due|amount\s+owed|you\s+owe|outstanding|total\s+due|past\s+due)\b[^$\n]{0,40}` + moneyExpr)
	interestPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*(?:apr|interest)`)
	biweeklyPattern = regexp.MustCompile(`(?i)\bbi-?weekly\b|\bevery\s+(?:two|2)\s+weeks\b`)
	weeklyPattern   = regexp.MustCompile(`(?i)\bweekly\b|\b(?:per|a|each|every)\s+week\b`)
	monthlyWord     = regexp.MustCompile(`(?i)\bmonthly\b|\b(?:per|a|each|every)\s+month\b|/\s*mo(?:nth)?\b`)

	deadlinePatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\b(?:by|before|no\s+later\s+than|until)\s+((?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)`),
		*regexp.MustCompile(`(?i)\b(?:by|before|no\s+later\s+than|until)\s+(\d{1,2}/\d{1,2}(?:/\d{2,4})?|\d{4}-\d{2}-\d{2})`),
		*regexp.MustCompile(`(?i)\b(within\s+\d+\s+(?:business\s+)?days)\b`),
	}

	conditionPattern = regexp.MustCompile(`(?i)\b(provided\s+that|on\s+the\s+condition|conditional|contingent|as\s+long\s+as|must|required\s+to)\b`)
	sentenceSplit    = regexp.MustCompile(`[.!?]+\s+|\n+`)
)

// ExtractTerms pulls the financial terms out of free text: a flat amount or a
// payment plan, a deadline and any conditional sentences.
func ExtractTerms(text string) Terms {
	var terms Terms

	plan := extractPlan(text)
	terms.PaymentPlan = plan
	switch {
	case plan == nil:
		if m := settlePattern.FindStringSubmatch(text); m != nil {
			terms.Amount = parseMoney(m[1])
		} else if all := moneyPattern.FindAllStringSubmatch(text, -1); len(all) > 0 {
			// the proposal usually follows the balance it answers
			terms.Amount = parseMoney(all[len(all)-1][1])
		}
	case plan.NumberOfPayments == 0 && plan.TotalAmount == 0:
		// An open-ended installment only says how the settled sum is paid.
		for _, m := range settlePattern.FindAllStringSubmatch(text, -1) {
			if v := parseMoney(m[1]); v != plan.MonthlyAmount {
				terms.Amount = v
				break
			}
		}
	}

	for _, pattern := range deadlinePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			terms.Deadline = strings.TrimSpace(m[1])
			break
		}
	}

	for _, sentence := range sentenceSplit.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence != "" && conditionPattern.MatchString(sentence) {
			terms.Conditions = append(terms.Conditions, sentence)
		}
	}

	return terms
}

func extractPlan(text string) *PaymentPlan {
	var plan PaymentPlan
	if m := monthlyPattern.FindStringSubmatch(text); m != nil {
		plan.MonthlyAmount = parseMoney(m[1])
	}
	if m := countPattern.FindStringSubmatch(text); m != nil {
		plan.NumberOfPayments, _ = strconv.Atoi(m[1])
	}
	if m := totalPattern.FindStringSubmatch(text); m != nil {
		plan.TotalAmount = parseMoney(m[1])
	}

	if plan.MonthlyAmount == 0 && (plan.TotalAmount == 0 || plan.NumberOfPayments == 0) {
		return nil
	}

	switch {
	case biweeklyPattern.MatchString(text):
		plan.Frequency = "bi-weekly"
	case weeklyPattern.MatchString(text):
		plan.Frequency = "weekly"
	case monthlyWord.MatchString(text) || plan.MonthlyAmount > 0:
		plan.Frequency = "monthly"
	}

	if m := interestPattern.FindStringSubmatch(text); m != nil {
		if rate, err := strconv.ParseFloat(m[1], 64); err == nil {
			plan.InterestRate = &rate
		}
	}
	return &plan
}

// ExtractDebtAmount returns the amount a creditor notice claims is owed: the
// figure tied to balance wording when present, otherwise the largest dollar
// amount in the text. Zero means no amount was found.
func ExtractDebtAmount(text string) float64 {
	if m := balancePattern.FindStringSubmatch(text); m != nil {
		return parseMoney(m[1])
	}
	var largest float64
	for _, m := range moneyPattern.FindAllStringSubmatch(text, -1) {
		largest = math.Max(largest, parseMoney(m[1]))
	}
	return largest
}

func parseMoney(s string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}
