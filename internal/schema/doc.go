// Package schema defines the data model shared by the shopsync engine.
//
// # Collections
//
// Documents live in one of three collections, each addressed by its own key
// shape:
//
//	reports     keyed by calendar date       reports/2024-03-01
//	inventory   products singleton           inventory/products
//	            purchases keyed by date      inventory/purchases/2024-03-01
//	            services keyed by date       inventory/services/2024-03-01
//	employees   keyed by employee id         employees/emp-42
//
// The remote path of a document is always "{collection}/{key}", so the first
// path segment names the collection and the remainder is the key.
//
// # Documents
//
// A Document is an opaque JSON value. The engine never looks inside it except
// to apply shallow patches. Callers build typed views at the read boundary:
//
//	var report struct {
//	    Date  string  `json:"date"`
//	    Total float64 `json:"total"`
//	}
//	if err := doc.Decode(&report); err != nil {
//	    return err
//	}
//
// # Pending changes
//
// Every local mutation becomes a PendingChange that stays in the queue until
// the remote store confirms it. Entries are never deduplicated; replaying them
// in order yields last-write-wins per document.
package schema
