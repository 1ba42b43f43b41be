// Package panicif turns violated invariants into panics.
package panicif

import "fmt"

func NotEqual[T comparable](a, b T) {
	if a != b {
		panic(fmt.Sprintf("%v != %v", a, b))
	}
}

func True(b bool, msg string) {
	if b {
		panic(msg)
	}
}

func False(b bool, msg string) {
	if !b {
		panic(msg)
	}
}

func Err(err error) {
	if err != nil {
		panic(err)
	}
}
