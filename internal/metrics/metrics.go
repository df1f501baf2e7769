// Package metrics exposes ledger activity to prometheus.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"cofinance/internal/ledger"
)

const namespace = "cofinance"

// Recorder implements ledger.Observer on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	ops        *prometheus.CounterVec
	reserves   *prometheus.GaugeVec
	custody    *prometheus.GaugeVec
	openLoans  *prometheus.GaugeVec
	xchainMsgs *prometheus.CounterVec
	seq        prometheus.Gauge

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

func New() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "number of ledger transitions by operation and result",
		}, []string{"op", "result"}),
		reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserve",
			Help:      "pool reserve per token in whole units",
		}, []string{"pool", "token"}),
		custody: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral",
			Help:      "collateral held in custody per token in whole units",
		}, []string{"pool", "token"}),
		openLoans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_loans",
			Help:      "number of open loan positions",
		}, []string{"pool"}),
		xchainMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "xchain_messages_total",
			Help:      "number of cross-chain messages handled by result",
		}, []string{"result"}),
		seq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_seq",
			Help:      "sequence number of the last committed transition",
		}),
		decimals: make(map[common.Address]uint8),
	}
	err := errors.Join(
		r.registry.Register(r.ops),
		r.registry.Register(r.reserves),
		r.registry.Register(r.custody),
		r.registry.Register(r.openLoans),
		r.registry.Register(r.xchainMsgs),
		r.registry.Register(r.seq),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SetDecimals configures the scale used when exporting token amounts. Tokens default to 18.
func (r *Recorder) SetDecimals(token common.Address, decimals uint8) {
	r.mu.Lock()
	r.decimals[token] = decimals
	r.mu.Unlock()
}

func (r *Recorder) ObserveTransition(op string, err error) {
	r.ops.WithLabelValues(op, ledger.Category(err).String()).Inc()
}

func (r *Recorder) ObserveState(s *ledger.State) {
	r.seq.Set(float64(s.Seq))
	for _, id := range s.Order {
		p := s.Pools[id]
		pool := id.Hex()
		for _, token := range []common.Address{p.Token0, p.Token1} {
			r.reserves.WithLabelValues(pool, token.Hex()).Set(r.whole(token, p.Reserve(token)))
			r.custody.WithLabelValues(pool, token.Hex()).Set(r.whole(token, p.Custody(token)))
		}
		open := 0
		for _, pos := range p.Loans {
			if pos.Open() {
				open++
			}
		}
		r.openLoans.WithLabelValues(pool).Set(float64(open))
	}
}

// ObserveMessage counts a handled cross-chain message.
func (r *Recorder) ObserveMessage(result string) {
	r.xchainMsgs.WithLabelValues(result).Inc()
}

func (r *Recorder) whole(token common.Address, v *uint256.Int) float64 {
	r.mu.RLock()
	dec, ok := r.decimals[token]
	r.mu.RUnlock()
	if !ok {
		dec = 18
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(dec)).InexactFloat64()
}
