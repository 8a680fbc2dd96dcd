// Package registry is the concrete tool registry behind discovery.
//
// Tools are declared in YAML manifests, one provider per file, loaded into
// a SQLite catalog. Every write bumps the catalog version, which is the
// token discovery uses to invalidate cached searches. A Watcher reloads
// the manifests when the directory changes.
//
// Manifest format:
//
//	provider: gmail
//	tools:
//	  - name: gmail_send
//	    description: Send an email
//	    keywords: [email, mail]
//	    parameters:
//	      type: object
//	      required: [to]
//	      properties:
//	        to: {type: string}
package registry
