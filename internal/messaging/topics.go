package messaging

// Topic constants for the mining pool messaging system
const (
	TopicJobs            = "mining.jobs"             // jobmanager → stratumd
	TopicShares          = "mining.shares"           // stratumd → shareproc
	TopicBlockCandidates = "mining.block_candidates" // stratumd → blocksubmit (HOT PATH)
	TopicBlockResults    = "mining.block_results"    // blocksubmit → shareproc
)
