// Package api exposes the REST surface of the EasyCash daemon: submitting
// transaction intents, inspecting the execution ledger, and retrieving
// metrics in both JSON and Prometheus exposition formats.
package api
