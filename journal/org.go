package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatFillOrg renders a FillRecord as an Org-mode block for a trading
// diary. Facts go in a PROPERTIES drawer; the Thesis and Review headings
// are left for the reader to fill in.
func FormatFillOrg(f FillRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** Fill: %s %s %s (%s)\n", f.Side, f.Symbol, f.Mode, shortID(f.TradeID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", f.TradeID)
	fmt.Fprintf(&b, ":ORDER_ID: %s\n", f.OrderID)
	fmt.Fprintf(&b, ":ACCOUNT: %s\n", f.Account)
	fmt.Fprintf(&b, ":MODE: %s\n", f.Mode)
	fmt.Fprintf(&b, ":INSTANCE: %s\n", f.InstanceID)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", f.Symbol)
	fmt.Fprintf(&b, ":SIDE: %s\n", f.Side)
	fmt.Fprintf(&b, ":QUANTITY: %g\n", f.Quantity)
	fmt.Fprintf(&b, ":PRICE: %.5f\n", f.Price)
	fmt.Fprintf(&b, ":COMMISSION: %.4f\n", f.Commission)
	fmt.Fprintf(&b, ":TIME: %s\n", f.Time.UTC().Format(time.RFC3339))
	b.WriteString(":END:\n\n")
	b.WriteString("*** Thesis\n- \n\n")
	b.WriteString("*** Review\n- \n")
	return b.String()
}

// FormatFillsOrg renders multiple fills separated by blank lines.
func FormatFillsOrg(fills []FillRecord) string {
	var b strings.Builder
	for i, f := range fills {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatFillOrg(f))
	}
	return b.String()
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
