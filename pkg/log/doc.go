/*
Package log provides structured logging built on zerolog.

Logs are JSON by default (console format is available for local runs)
and carry a component field set by WithComponent, plus optional
transaction/OID context set by WithTran, WithOID and WithClassOID. In
this module only cmd/locatord logs through this package (via
WithComponent); the locator, lockmgr and index packages do not log.

Init must be called once at process start before any package-level
helper (Info, Debug, Warn, Error, Fatal) is used; until then Logger is
the zerolog zero value and writes are discarded.
*/
package log
