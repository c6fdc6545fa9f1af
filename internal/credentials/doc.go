// Package credentials manages the delegated Twitch credential: acquisition
// through the authorization-code flow, durable single-record persistence,
// bounded re-validation, and transparent refresh ahead of expiry.
package credentials
