package mux_test

import (
	"github.com/ydb-platform/udev-monitor/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Any", func() {
	It("should accept every value", func() {
		accept := mux.Any[string]()
		Expect(accept("")).To(BeTrue())
		Expect(accept("block")).To(BeTrue())
	})
})

var _ = Describe("Not", func() {
	It("should invert the filter condition", func() {
		isEven := func(n int) bool {
			return n%2 == 0
		}

		isOdd := mux.Not(isEven)

		Expect(isEven(2)).To(BeTrue())
		Expect(isOdd(2)).To(BeFalse())

		Expect(isEven(3)).To(BeFalse())
		Expect(isOdd(3)).To(BeTrue())
	})
})

var _ = Describe("Or", func() {
	It("should return true if any filter returns true", func() {
		isEven := func(n int) bool { return n%2 == 0 }
		isDivisibleBy3 := func(n int) bool { return n%3 == 0 }

		combined := mux.Or(isEven, isDivisibleBy3)

		Expect(combined(1)).To(BeFalse())
		Expect(combined(2)).To(BeTrue()) // Even
		Expect(combined(3)).To(BeTrue()) // Divisible by 3
		Expect(combined(4)).To(BeTrue()) // Even
		Expect(combined(5)).To(BeFalse())
		Expect(combined(6)).To(BeTrue()) // Both even and divisible by 3
	})

	It("should return false when no filters provided", func() {
		combined := mux.Or[int]()
		Expect(combined(42)).To(BeFalse())
	})
})

var _ = Describe("And", func() {
	It("should return true only if all filters return true", func() {
		isEven := func(n int) bool { return n%2 == 0 }
		isDivisibleBy3 := func(n int) bool { return n%3 == 0 }

		combined := mux.And(isEven, isDivisibleBy3)

		Expect(combined(1)).To(BeFalse())
		Expect(combined(2)).To(BeFalse()) // Only even
		Expect(combined(3)).To(BeFalse()) // Only divisible by 3
		Expect(combined(6)).To(BeTrue())  // Both even and divisible by 3
		Expect(combined(12)).To(BeTrue()) // Both even and divisible by 3
	})

	It("should return true when no filters provided", func() {
		combined := mux.And[int]()
		Expect(combined(42)).To(BeTrue())
	})

	It("should compose with Or", func() {
		type event struct {
			subsystem string
			tag       string
		}
		bySubsystem := mux.Or(
			func(e event) bool { return e.subsystem == "block" },
			func(e event) bool { return e.subsystem == "net" },
		)
		byTag := func(e event) bool { return e.tag == "systemd" }

		combined := mux.And(bySubsystem, byTag)

		Expect(combined(event{"block", "systemd"})).To(BeTrue())
		Expect(combined(event{"net", "systemd"})).To(BeTrue())
		Expect(combined(event{"input", "systemd"})).To(BeFalse())
		Expect(combined(event{"block", "seat"})).To(BeFalse())
	})
})
