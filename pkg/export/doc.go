// Package export defines the domain model shared by every stage of a Notion
// export run: format and scope options, credentials, the per-page job state
// machine, per-page results and the error taxonomy.
//
// All values in this package are either immutable after construction
// (Config, Credentials) or owned by a single pipeline goroutine (Job), so
// they can be passed by value into workers without locking.
package export
