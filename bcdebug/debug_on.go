//go:build debug

package bcdebug

import "fmt"

func ON() bool { return true }

func Assert(cond bool, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprint(args...))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: unexpected error: " + err.Error())
	}
}

func AssertFunc(f func() bool, args ...any) {
	Assert(f(), args...)
}
