// Package session keeps an operational record of every live connection in
// Redis: which user it belongs to, which server instance holds it and when
// it was last active. The records are informational; presence decisions are
// made by the in-process registry.
package session
