// Package service exposes the node's query API over HTTP: the peer list,
// per-wallet balances and reward history, and network-wide statistics.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/alpha-protocol/apn-node/src/node"
	"github.com/alpha-protocol/apn-node/src/peers"
	"github.com/sirupsen/logrus"
)

// Service serves the HTTP query API.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	ledger      *ledger.Ledger
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, l *ledger.Ledger, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		ledger:      l,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering APN API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/peers/", s.makeHandler(s.GetWallet))
	s.mux.HandleFunc("/network/stats", s.makeHandler(s.GetNetworkStats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the API handler, for mounting in tests or an embedding
// process.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving APN API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the local node's runtime statistics.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]string{
		"state":           s.node.GetState().String(),
		"node_id":         s.node.ID(),
		"wallet":          s.node.Wallet(),
		"moniker":         s.node.Moniker(),
		"uptime":          s.node.Uptime().String(),
		"heartbeats_sent": strconv.FormatInt(s.node.HeartbeatsSent(), 10),
		"known_peers":     strconv.Itoa(s.node.Registry().Len()),
		"active_peers":    strconv.Itoa(s.node.Registry().ActiveCount()),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetPeers returns the full peer registry.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Registry().Snapshot())
}

// GetWallet routes /peers/{wallet}/balance and /peers/{wallet}/rewards.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/peers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	wallet, action := parts[0], parts[1]

	// A wallet is known if a registered peer carries it, our own included.
	// Unknown wallets are a 404, known wallets with no rewards yet report
	// zero balances.
	if !s.walletKnown(wallet) {
		http.Error(w, peers.ErrWalletNotFound.Error(), http.StatusNotFound)
		return
	}

	switch action {
	case "balance":
		s.walletBalance(w, wallet)
	case "rewards":
		s.walletRewards(w, r, wallet)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) walletKnown(wallet string) bool {
	if wallet == s.node.Wallet() {
		return true
	}
	_, ok := s.node.Registry().GetByWallet(wallet)
	return ok
}

func (s *Service) walletBalance(w http.ResponseWriter, wallet string) {
	balance, err := s.ledger.BalanceSummary(wallet)
	if err != nil {
		s.logger.WithError(err).Errorf("Reading balance of %s", wallet)

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(balance)
}

func (s *Service) walletRewards(w http.ResponseWriter, r *http.Request, wallet string) {
	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	history, err := s.ledger.History(wallet, limit)
	if err != nil {
		s.logger.WithError(err).Errorf("Reading rewards of %s", wallet)

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	out := make([]rewardView, 0, len(history))
	for _, rec := range history {
		out = append(out, rewardView{
			NodeID:       rec.NodeID,
			RewardType:   rec.RewardType,
			Amount:       rec.FinalAmount,
			MultiplierBP: rec.MultiplierBP,
			Status:       rec.Status,
			TxID:         rec.TxID.String,
			HeartbeatTS:  rec.HeartbeatTS,
			CreatedAt:    rec.CreatedAt.Unix(),
		})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(out)
}

// rewardView is the API shape of a reward record.
type rewardView struct {
	NodeID       string        `json:"node_id"`
	RewardType   string        `json:"reward_type"`
	Amount       ledger.Vibe   `json:"amount"`
	MultiplierBP int64         `json:"multiplier"`
	Status       ledger.Status `json:"status"`
	TxID         string        `json:"tx_id,omitempty"`
	HeartbeatTS  int64         `json:"heartbeat_ts"`
	CreatedAt    int64         `json:"created_at"`
}

// GetNetworkStats returns network-wide totals.
func (s *Service) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.Totals()
	if err != nil {
		s.logger.WithError(err).Error("Reading network totals")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	out := struct {
		TotalPeers  int `json:"total_peers"`
		ActivePeers int `json:"active_peers"`
		*ledger.NetworkTotals
	}{
		TotalPeers:    s.node.Registry().Len(),
		ActivePeers:   s.node.Registry().ActiveCount(),
		NetworkTotals: totals,
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(out)
}
