// Package pricing implements the discount stack as an explicit ordered
// pipeline: per-item promotion, then loyalty-rank discount, then voucher.
// Each stage takes the amount remaining after the previous stage, so later
// discounts apply to a shrinking base, never to the original total.
package pricing

import (
	"github.com/shopspring/decimal"

	"checkout-service/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Line is a provisional order line entering the pipeline.
type Line struct {
	VariantID   int64
	ProductName string
	Price       decimal.Decimal
	Quantity    int
	Promotion   *models.Promotion // best applicable promotion, nil if none
}

// LineQuote is a priced line after the promotion stage.
type LineQuote struct {
	Line
	DiscountPercent decimal.Decimal
	FinalPrice      decimal.Decimal
}

// Quote is the result of running all stages.
type Quote struct {
	Lines             []LineQuote
	TotalPrice        decimal.Decimal
	PromotionDiscount decimal.Decimal
	RankDiscount      decimal.Decimal
	VoucherDiscount   decimal.Decimal
}

// TotalDiscount returns the sum of all three discount stages.
func (q Quote) TotalDiscount() decimal.Decimal {
	return q.PromotionDiscount.Add(q.RankDiscount).Add(q.VoucherDiscount)
}

// FinalTotal returns TotalPrice minus TotalDiscount.
func (q Quote) FinalTotal() decimal.Decimal {
	return q.TotalPrice.Sub(q.TotalDiscount())
}

// BestPromotion picks the winning promotion: lowest priority value first,
// ties broken by the larger discount percent. Returns nil for an empty set.
func BestPromotion(promos []models.Promotion) *models.Promotion {
	var best *models.Promotion
	for i := range promos {
		p := &promos[i]
		if best == nil {
			best = p
			continue
		}
		if p.Priority < best.Priority {
			best = p
			continue
		}
		if p.Priority == best.Priority && p.DiscountPercent.GreaterThan(best.DiscountPercent) {
			best = p
		}
	}
	return best
}

// PromotionStage prices each line with its promotion and returns the quoted
// lines, the gross total and the aggregate promotion discount.
func PromotionStage(lines []Line) ([]LineQuote, decimal.Decimal, decimal.Decimal) {
	quotes := make([]LineQuote, 0, len(lines))
	total := decimal.Zero
	promoDiscount := decimal.Zero

	for _, line := range lines {
		gross := line.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		percent := decimal.Zero
		if line.Promotion != nil {
			percent = line.Promotion.DiscountPercent
		}
		discount := gross.Mul(percent).Div(hundred)

		quotes = append(quotes, LineQuote{
			Line:            line,
			DiscountPercent: percent,
			FinalPrice:      gross.Sub(discount),
		})
		total = total.Add(gross)
		promoDiscount = promoDiscount.Add(discount)
	}

	return quotes, total, promoDiscount
}

// RankStage computes the loyalty-rank discount on the remaining amount.
// A missing rank or non-positive rate yields zero.
func RankStage(remaining, rate decimal.Decimal) decimal.Decimal {
	if rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return remaining.Mul(rate).Div(hundred)
}

// VoucherStage computes the voucher discount on the remaining amount,
// capped at the voucher's max discount amount when one is set.
func VoucherStage(remaining decimal.Decimal, voucher *models.Voucher) decimal.Decimal {
	if voucher == nil {
		return decimal.Zero
	}
	discount := remaining.Mul(voucher.DiscountPercent).Div(hundred)
	if voucher.MaxDiscountAmount.Valid && discount.GreaterThan(voucher.MaxDiscountAmount.Decimal) {
		discount = voucher.MaxDiscountAmount.Decimal
	}
	return discount
}

// Calculate runs the full pipeline in its fixed order. Callers that need to
// validate the voucher against the post-rank base (minimum order amount)
// should run the stages themselves; the order service does exactly that.
func Calculate(lines []Line, rankRate decimal.Decimal, voucher *models.Voucher) Quote {
	quotes, total, promoDiscount := PromotionStage(lines)

	remaining := total.Sub(promoDiscount)
	rankDiscount := RankStage(remaining, rankRate)

	remaining = remaining.Sub(rankDiscount)
	voucherDiscount := VoucherStage(remaining, voucher)

	return Quote{
		Lines:             quotes,
		TotalPrice:        total,
		PromotionDiscount: promoDiscount,
		RankDiscount:      rankDiscount,
		VoucherDiscount:   voucherDiscount,
	}
}
