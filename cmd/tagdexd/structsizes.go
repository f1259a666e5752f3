package main

import "github.com/tagdex/tagdexd/internal/arena"

// structSizes describes the record layout the arena header compatibility
// check stamps into every fresh arena: one entry per record shape that
// graph.Save writes, so a build that changes a record's size is not adopted
// (arena.Open reports adopted=false) instead of silently misreading a stale
// arena.
func structSizes() []arena.StructSize {
	return []arena.StructSize{
		{Name: "post_t", Size: 156},
		{Name: "tag_t", Size: 41},
		{Name: "user_t", Size: 28},
	}
}
