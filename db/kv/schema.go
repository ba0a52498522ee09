package kv

// The schema will define how to store and retrieve data from the db. We
// create a bucket per entity plus index buckets for lookups the engine does
// on hot paths.
var (
	groupsBucket       = []byte("groups")
	membersBucket      = []byte("members")
	transactionsBucket = []byte("transactions")
	leasesBucket       = []byte("leases")
	auditEventsBucket  = []byte("audit-events")

	// Index buckets.
	groupMembersIndexBucket      = []byte("group-members-index")
	groupTransactionsIndexBucket = []byte("group-transactions-index")
	rotationTxIndexBucket        = []byte("rotation-transactions-index")
	defaultCoverageIndexBucket   = []byte("default-coverage-index")
)
