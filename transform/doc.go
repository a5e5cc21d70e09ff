// Package transform provides data transformers for trpc routers and clients.
//
// A transformer must be configured identically on both ends: the server with
// Router.Transformer and the client with client.Options.Transformer.
package transform
