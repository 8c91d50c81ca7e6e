// Package portability turns external API descriptions into rule scaffolds.
// The only supported source today is OpenAPI 3: each documented operation
// becomes a reply rule answering with the operation's first successful
// response example.
package portability
