// Package auth verifies caller tokens and propagates the resulting identity
// through request contexts. The identity provider is an external collaborator;
// this package only consumes its tokens and yields (callerID, callerDivision).
package auth
