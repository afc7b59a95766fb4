// Package webhook receives GitHub App deliveries and hands verified events to
// the chain engine.
//
// Every endpoint requires an HMAC-SHA256 signature over the raw body using a
// pre-shared secret. The comparison is constant time and failures always answer
// a generic 403.
//
// # Configuration
//
//	webhooks:
//	  listen: "0.0.0.0:8081"
//	  endpoints:
//	    - path: /webhook/github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// # Request Flow
//
//  1. Body size checked (413 if too large)
//  2. Signature verified (403 on mismatch)
//  3. X-GitHub-Event read (400 if missing) and joined with the payload action
//  4. Event handed to the handler: step-output callbacks resume a chain,
//     anything else starts every matching automation
//  5. 202 Accepted with the callback outcome or the started chains
//
// A dispatch failure while resuming a chain answers 502 so GitHub records the
// delivery as failed and it can be redelivered.
package webhook
