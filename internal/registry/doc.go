// Package registry tracks the live endpoints connected to this relay instance.
//
// Each endpoint is bound to a Session (visitor or agent) and to a set of
// broadcast groups:
//
//   - org:<org>             every endpoint of the organization
//   - agents:<org>          agent endpoints
//   - conversation:<id>     visitor endpoints attached to the conversation
//   - visitor:<org>:<token> every endpoint (tab) of one visitor session token
//
// A visitor token and an agent ID, both scoped to their org, each map to a
// set of endpoints, so a second tab never evicts the first. Presence queries
// (IsVisitorReachable, ReachableAgentCount) are point-in-time answers for
// this instance only.
//
// Registration consults a read-only Lookup outside the registry lock; the
// lock only covers the in-memory maps.
package registry
