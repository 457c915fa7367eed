package proc

import (
	"nimbusos/kernel"
	"nimbusos/kernel/mm/vmm"
)

// VmmPageTable adapts kernel/mm/vmm.Context (the real amd64 4-level
// page-table implementation) to the PageTableContext interface. The
// adapter exists only so Fork's return type lines up with the interface;
// every other method is promoted straight through from the embedded
// *vmm.Context.
type VmmPageTable struct {
	*vmm.Context
}

// NewVmmPageTable allocates a fresh P4 root (with the kernel's upper-half
// mappings already copied in) and wraps it for use by Vm.
func NewVmmPageTable() (PageTableContext, *kernel.Error) {
	ctx, err := vmm.NewContext()
	if err != nil {
		return nil, err
	}
	return VmmPageTable{Context: ctx}, nil
}

// Fork shares the same P4 root with a new handle, bumping its refcount.
func (p VmmPageTable) Fork() PageTableContext {
	return VmmPageTable{Context: p.Context.Fork()}
}
