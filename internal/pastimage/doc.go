// Package pastimage owns the past-image selection engine.
//
// Responsibilities: fusing pose, image and tracking updates into immutable
// frames, archiving them chronologically and spatially, and choosing which
// archived frame to show the operator on every new pose.
// Key types: Frame, Archive, Policy, Selector.
//
// Dependency rule: pastimage may depend on spatial and monitoring, but never
// on transport, journal or monitor. Those packages talk to the engine through
// the Publisher interface and the Selector's handlers.
package pastimage
