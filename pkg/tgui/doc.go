// Package tgui holds small Telegram UI helpers: inline and reply keyboards,
// "scope:action:payload" callback data, an HTML-safe message builder and a
// TTL token store for payloads that do not fit into callback data.
package tgui
