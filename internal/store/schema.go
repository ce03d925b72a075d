package store

const (
	CashSessions     = "cash_sessions"
	SalesPending     = "sales_pending"
	ClosuresPending  = "closures_pending"
	StockAdjustments = "stock_adjustments_pending"
	CashMovements    = "pending_cash_movements"
	IDCorrelation    = "id_correlation"
	Products         = "products"
	SyncMeta         = "sync_meta"
)

const (
	IndexStatus        = "status"
	IndexOperator      = "operator_id"
	IndexOwningSession = "owning_session_id"
	IndexSynced        = "synced"
	IndexServerID      = "server_id"
	IndexProduct       = "product_id"
	IndexActive        = "active"
)

var syncedIndex = Index{Name: IndexSynced, Path: "sync.synced"}

// KioskSchema declares every collection the kiosk persists.
func KioskSchema() Schema {
	return Schema{
		CashSessions: {
			Name: CashSessions,
			Key:  []string{"local_id"},
			Indexes: []Index{
				{Name: IndexStatus, Path: "status"},
				{Name: IndexOperator, Path: "operator_id"},
				syncedIndex,
			},
		},
		SalesPending: {
			Name:    SalesPending,
			Key:     []string{"local_id"},
			Indexes: []Index{{Name: IndexOwningSession, Path: "owning_session_id"}, syncedIndex},
		},
		ClosuresPending: {
			Name:    ClosuresPending,
			Key:     []string{"local_id"},
			Indexes: []Index{{Name: IndexOwningSession, Path: "owning_session_id"}, syncedIndex},
		},
		StockAdjustments: {
			Name:    StockAdjustments,
			Key:     []string{"local_id"},
			Indexes: []Index{syncedIndex, {Name: IndexProduct, Path: "product_id"}},
		},
		CashMovements: {
			Name:    CashMovements,
			Key:     []string{"local_id"},
			Indexes: []Index{{Name: IndexOwningSession, Path: "owning_session_id"}, syncedIndex},
		},
		IDCorrelation: {
			Name:    IDCorrelation,
			Key:     []string{"entity_type", "local_id"},
			Indexes: []Index{{Name: IndexServerID, Path: "server_id"}},
		},
		Products: {
			Name:    Products,
			Key:     []string{"product_id"},
			Indexes: []Index{{Name: IndexActive, Path: "active"}},
		},
		SyncMeta: {
			Name: SyncMeta,
			Key:  []string{"name"},
		},
	}
}
