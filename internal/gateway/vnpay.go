// Package gateway builds signed VNPay redirect URLs and interprets the
// gateway's return callback. Signing is HMAC-SHA512 over the sorted,
// URL-encoded, &-joined parameter string; only non-empty values participate.
package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	version  = "2.1.0"
	command  = "pay"
	currCode = "VND"

	// ResponseCodeSuccess is the gateway's code for a completed payment.
	ResponseCodeSuccess = "00"

	timestampLayout = "20060102150405"
	gatewayTimezone = "Asia/Ho_Chi_Minh"
)

// ErrInvalidSignature is returned when an inbound callback's secure hash
// does not match the recomputed one.
var ErrInvalidSignature = errors.New("gateway signature mismatch")

// Config holds the merchant credentials and endpoints shared out-of-band.
type Config struct {
	TmnCode       string
	HashSecret    string
	PayURL        string
	ReturnURL     string
	OrderType     string
	Locale        string
	ExpireMinutes int
}

// Client builds and verifies signed gateway URLs. It performs no I/O.
type Client struct {
	cfg Config
	loc *time.Location

	now       func() time.Time
	newTxnRef func() string
}

// NewClient creates a gateway client. Timestamps are always rendered in the
// gateway's fixed timezone regardless of server locale.
func NewClient(cfg Config) (*Client, error) {
	loc, err := time.LoadLocation(gatewayTimezone)
	if err != nil {
		return nil, fmt.Errorf("load gateway timezone: %w", err)
	}

	return &Client{
		cfg: cfg,
		loc: loc,
		now: time.Now,
		newTxnRef: func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
		},
	}, nil
}

// NewTxnRef mints a fresh gateway transaction reference. The caller persists
// it on the order before redirecting, so the inbound callback can be bound
// back to the order it was issued for.
func (c *Client) NewTxnRef() string {
	return c.newTxnRef()
}

// MinorUnits converts an amount to the gateway's integer representation:
// round to whole currency units, times 100.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(0).IntPart() * 100
}

// PaymentRequest carries everything needed to build a redirect URL.
type PaymentRequest struct {
	OrderID       int64
	TxnRef        string
	VoucherID     int64 // zero when no voucher was applied
	CartDetailIDs []int64
	Amount        decimal.Decimal
	ClientIP      string
	OrderInfo     string
}

// BuildPaymentURL assembles the signed redirect URL for an online payment.
// The amount travels in minor units: round(finalTotalPrice) * 100.
func (c *Client) BuildPaymentURL(req PaymentRequest) string {
	now := c.now().In(c.loc)
	expire := now.Add(time.Duration(c.cfg.ExpireMinutes) * time.Minute)

	params := map[string]string{
		"vnp_Version":    version,
		"vnp_Command":    command,
		"vnp_TmnCode":    c.cfg.TmnCode,
		"vnp_Amount":     strconv.FormatInt(MinorUnits(req.Amount), 10),
		"vnp_CurrCode":   currCode,
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  c.cfg.OrderType,
		"vnp_Locale":     c.cfg.Locale,
		"vnp_ReturnUrl":  c.returnURL(req),
		"vnp_IpAddr":     req.ClientIP,
		"vnp_CreateDate": now.Format(timestampLayout),
		"vnp_ExpireDate": expire.Format(timestampLayout),
	}

	query, signature := c.sign(params)
	return c.cfg.PayURL + "?" + query + "&vnp_SecureHash=" + signature
}

// returnURL embeds the internal order id, voucher id and consumed cart-item
// ids so the callback can reconcile without server-side session state.
func (c *Client) returnURL(req PaymentRequest) string {
	v := url.Values{}
	v.Set("orderId", strconv.FormatInt(req.OrderID, 10))
	if req.VoucherID != 0 {
		v.Set("voucherId", strconv.FormatInt(req.VoucherID, 10))
	}
	v.Set("cartDetailIds", joinIDs(req.CartDetailIDs))
	return c.cfg.ReturnURL + "?" + v.Encode()
}

// sign sorts the keys lexicographically, URL-encodes values, joins with &,
// and computes the hex HMAC-SHA512. Empty values are excluded entirely.
// The returned query uses the identical encoding as the signed string.
func (c *Client) sign(params map[string]string) (query, signature string) {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	data := b.String()

	mac := hmac.New(sha512.New, []byte(c.cfg.HashSecret))
	mac.Write([]byte(data))
	return data, hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC over the inbound vnp_ parameters and
// compares it with the supplied secure hash in constant time.
func (c *Client) VerifySignature(values url.Values) bool {
	got := values.Get("vnp_SecureHash")
	if got == "" {
		return false
	}

	params := make(map[string]string)
	for k := range values {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		params[k] = values.Get(k)
	}

	_, want := c.sign(params)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

// ReturnParams is the parsed callback payload.
type ReturnParams struct {
	OrderID       int64
	VoucherID     int64
	CartDetailIDs []int64
	ResponseCode  string
	TxnRef        string
	TransactionNo string
	BankCode      string
	PayDate       string
	Amount        int64
}

// Succeeded reports whether the gateway confirmed the payment.
func (p *ReturnParams) Succeeded() bool {
	return p.ResponseCode == ResponseCodeSuccess
}

// ParseReturn extracts the callback fields. The order id is mandatory;
// everything else degrades to its zero value when absent.
func ParseReturn(values url.Values) (*ReturnParams, error) {
	orderID, err := strconv.ParseInt(values.Get("orderId"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id in callback: %q", values.Get("orderId"))
	}

	var voucherID int64
	if raw := values.Get("voucherId"); raw != "" {
		voucherID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid voucher id in callback: %q", raw)
		}
	}

	cartIDs, err := splitIDs(values.Get("cartDetailIds"))
	if err != nil {
		return nil, fmt.Errorf("invalid cart detail ids in callback: %w", err)
	}

	amount, _ := strconv.ParseInt(values.Get("vnp_Amount"), 10, 64)

	return &ReturnParams{
		OrderID:       orderID,
		VoucherID:     voucherID,
		CartDetailIDs: cartIDs,
		ResponseCode:  values.Get("vnp_ResponseCode"),
		TxnRef:        values.Get("vnp_TxnRef"),
		TransactionNo: values.Get("vnp_TransactionNo"),
		BankCode:      values.Get("vnp_BankCode"),
		PayDate:       values.Get("vnp_PayDate"),
		Amount:        amount,
	}, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
