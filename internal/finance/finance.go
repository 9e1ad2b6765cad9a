// Package finance prices the outcome of an accepted offer.
//
// Calculate is pure: the same Input always yields the same Outcome, since the
// result becomes the debt's terminal financial record.
package finance

import (
	"fmt"
	"math"
)

// AnnualDiscountRate is the nominal yearly rate used to discount plan
// installments, compounded monthly.
const AnnualDiscountRate = 0.05

// BenefitType describes where the savings of an accepted offer come from.
type BenefitType string

const (
	BenefitPrincipalReduction   BenefitType = "principal_reduction"
	BenefitPaymentRestructuring BenefitType = "payment_restructuring"
	BenefitNone                 BenefitType = "none"
)

// Plan is the payment-plan part of the creditor's terms.
type Plan struct {
	MonthlyAmount    float64 `json:"monthly_amount"`
	NumberOfPayments int     `json:"number_of_payments"`
	TotalAmount      float64 `json:"total_amount"`
}

// Input carries everything the calculation depends on.
type Input struct {
	OriginalAmount   float64
	ProjectedSavings float64
	SettlementAmount float64 // flat amount, 0 when not stated
	Plan             *Plan
}

// Restructuring is the time-value breakdown of an installment plan.
type Restructuring struct {
	MonthlyAmount       float64 `json:"monthly_amount"`
	NumberOfPayments    int     `json:"number_of_payments"`
	MonthlyReduction    float64 `json:"monthly_reduction"`
	CashFlowBenefit     float64 `json:"cash_flow_benefit"`
	PresentValue        float64 `json:"present_value"`
	TimeValueBenefit    float64 `json:"time_value_benefit"`
	TimeValuePercentage string  `json:"time_value_percentage"`
	DiscountRate        float64 `json:"discount_rate"`
}

// Outcome is the computed financial result of an accepted offer.
type Outcome struct {
	OriginalAmount    float64        `json:"original_amount"`
	AcceptedAmount    float64        `json:"accepted_amount"`
	ActualSavings     float64        `json:"actual_savings"`
	BenefitType       BenefitType    `json:"benefit_type"`
	SavingsPercentage string         `json:"savings_percentage,omitempty"`
	Restructuring     *Restructuring `json:"restructuring,omitempty"`
}

// Calculate resolves the accepted amount and classifies the benefit.
//
// Accepted amount priority: flat settlement amount, then stated plan total,
// then original minus projected savings.
func Calculate(in Input) Outcome {
	accepted := AcceptedAmount(in)
	savings := math.Max(0, in.OriginalAmount-accepted)

	out := Outcome{
		OriginalAmount: Round(in.OriginalAmount),
		AcceptedAmount: Round(accepted),
		ActualSavings:  Round(savings),
		BenefitType:    BenefitNone,
	}

	switch {
	case out.ActualSavings > 0:
		out.BenefitType = BenefitPrincipalReduction
		out.SavingsPercentage = Percentage(savings, in.OriginalAmount)
	case in.Plan != nil && in.Plan.MonthlyAmount > 0 && in.Plan.NumberOfPayments > 0:
		out.BenefitType = BenefitPaymentRestructuring
		out.Restructuring = restructure(in.OriginalAmount, *in.Plan)
	}
	return out
}

// AcceptedAmount applies the accepted-amount priority order.
func AcceptedAmount(in Input) float64 {
	if in.SettlementAmount > 0 {
		return in.SettlementAmount
	}
	if in.Plan != nil && in.Plan.TotalAmount > 0 {
		return in.Plan.TotalAmount
	}
	return in.OriginalAmount - in.ProjectedSavings
}

func restructure(original float64, plan Plan) *Restructuring {
	reduction := original - plan.MonthlyAmount
	pv := PresentValue(plan.MonthlyAmount, plan.NumberOfPayments, AnnualDiscountRate)
	benefit := original - pv

	return &Restructuring{
		MonthlyAmount:       Round(plan.MonthlyAmount),
		NumberOfPayments:    plan.NumberOfPayments,
		MonthlyReduction:    Round(reduction),
		CashFlowBenefit:     Round(reduction * float64(plan.NumberOfPayments)),
		PresentValue:        Round(pv),
		TimeValueBenefit:    Round(benefit),
		TimeValuePercentage: Percentage(benefit, original),
		DiscountRate:        AnnualDiscountRate,
	}
}

// PresentValue discounts n equal monthly payments at annualRate/12 per month,
// the first payment one month out.
func PresentValue(payment float64, n int, annualRate float64) float64 {
	monthly := annualRate / 12
	pv := 0.0
	for i := 1; i <= n; i++ {
		pv += payment / math.Pow(1+monthly, float64(i))
	}
	return pv
}

// Percentage formats part/whole*100 with two decimals. A zero whole yields "0.00".
func Percentage(part, whole float64) string {
	if whole == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", part/whole*100)
}

// Round rounds to cents.
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}
