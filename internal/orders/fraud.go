package orders

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

type FraudRules struct {
	CODRatio     float64       `yaml:"cod_ratio"`
	CODMinOrders int           `yaml:"cod_min_orders"`
	CancelRatio  float64       `yaml:"cancel_ratio"`
	RecentLimit  int           `yaml:"recent_limit"`
	RecentWindow time.Duration `yaml:"recent_window"`
}

func DefaultFraudRules() FraudRules {
	return FraudRules{
		CODRatio:     0.8,
		CODMinOrders: 5,
		CancelRatio:  0.3,
		RecentLimit:  5,
		RecentWindow: 24 * time.Hour,
	}
}

// AssessFraud scores a new cash-on-delivery order against the customer's
// prior history. st excludes the order being placed.
func AssessFraud(st CustomerStats, r FraudRules) Fraud {
	var reasons []string

	total := st.TotalOrders + 1
	cod := st.CODOrders + 1
	if total >= r.CODMinOrders && float64(cod)/float64(total) > r.CODRatio {
		reasons = append(reasons, fmt.Sprintf("cod ratio %.2f", float64(cod)/float64(total)))
	}
	if st.TotalOrders > 0 {
		ratio := float64(st.CancelledOrders) / float64(st.TotalOrders)
		if ratio > r.CancelRatio {
			reasons = append(reasons, fmt.Sprintf("cancel ratio %.2f", ratio))
		}
	}
	if r.RecentLimit > 0 && st.RecentOrders+1 >= r.RecentLimit {
		reasons = append(reasons, fmt.Sprintf("%d orders in %s", st.RecentOrders+1, r.RecentWindow))
	}

	if len(reasons) == 0 {
		return Fraud{}
	}
	return Fraud{Flagged: true, Reason: strings.Join(reasons, "; ")}
}

// assessFraud never blocks checkout; a stats failure just skips the check.
func (s *Service) assessFraud(ctx context.Context, userID string, now time.Time) Fraud {
	st, err := s.Store.CustomerStats(ctx, userID, now.Add(-s.Config.Fraud.RecentWindow))
	if err != nil {
		log.Printf("orders: fraud stats for %s: %v", userID, err)
		return Fraud{}
	}
	f := AssessFraud(st, s.Config.Fraud)
	if f.Flagged {
		log.Printf("orders: cod order for %s flagged: %s", userID, f.Reason)
	}
	return f
}
