// Package criteria implements the admission predicates of a network group:
// authentication method, bind DN pattern, client address, listener and
// channel security. NetworkGroupCriteria combines them with AND and can be
// reconfigured while connections are being classified.
package criteria
