package query

// BalanceResponse is one projected treasury account
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"` // signed, 18 decimals
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}

func (r *IntegrityReport) evaluate() {
	r.IsHealthy = len(r.HashChainBreaks) == 0 && len(r.SequenceGaps) == 0 && len(r.UnbalancedAssets) == 0
}
