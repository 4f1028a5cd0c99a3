// Package model defines the boundary types shared by every stage of the
// capability-gated access pipeline: capabilities, content containers,
// content identifiers, storage locators, and the error taxonomy.
//
// These structs carry no behavior beyond validation and formatting; the
// components that act on them live in their own packages.
package model
