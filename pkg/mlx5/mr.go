package mlx5

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/Nativu5/mlx5-probe/pkg/glue"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// PD is a protection domain allocated through DevX.
type PD struct {
	Obj glue.Object
	PDN uint32
	Ctx glue.Context
}

// AllocPD allocates a protection domain on ctx.
func AllocPD(g glue.Devx, ctx glue.Context) (*PD, error) {
	obj, err := g.AllocPD(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate PD: %w", err)
	}
	return &PD{Obj: obj, PDN: obj.ID(), Ctx: ctx}, nil
}

// DeallocPD releases pd.
func DeallocPD(g glue.Devx, pd *PD) error {
	if pd == nil {
		return types.Wrap(types.ErrInvalidArgument, fmt.Errorf("nil PD"))
	}
	return g.ObjDestroy(pd.Obj)
}

// UmemReg registers buf as user memory on ctx.
func UmemReg(g glue.Devx, ctx glue.Context, buf []byte, access uint32) (glue.Umem, error) {
	u, err := g.UmemReg(ctx, buf, access)
	if err != nil {
		return nil, fmt.Errorf("cannot register umem of %d bytes: %w", len(buf), err)
	}
	return u, nil
}

// UmemDereg releases a registration. A nil umem is accepted.
func UmemDereg(g glue.Devx, u glue.Umem) error {
	if u == nil {
		return nil
	}
	return g.UmemDereg(u)
}

// MR is a registered memory region.
type MR struct {
	Buf  []byte
	Umem glue.Umem
	Mkey glue.Object
	LKey uint32
}

// Len returns the region length.
func (mr *MR) Len() int {
	return len(mr.Buf)
}

// RegMR registers buf in pd: the buffer becomes a umem and a memory key is
// created over it. Relaxed ordering follows the HCA capabilities unless
// disabled. Nothing stays registered when an error is returned.
func RegMR(g glue.Devx, pd *PD, buf []byte, relaxedOrdering bool) (*MR, error) {
	if pd == nil || len(buf) == 0 {
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("memory region needs a PD and a non-empty buffer"))
	}
	attr, err := g.QueryHCAAttr(pd.Ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot query HCA attributes: %w", err)
	}
	umem, err := UmemReg(g, pd.Ctx, buf, glue.AccessLocalWrite)
	if err != nil {
		return nil, err
	}

	mkeyAttr := glue.MkeyAttr{
		Size:   uint64(len(buf)),
		UmemID: umem.ID(),
		PDN:    pd.PDN,
	}
	if relaxedOrdering {
		mkeyAttr.RelaxedOrderingWrite = attr.RelaxedOrderingWrite
		mkeyAttr.RelaxedOrderingRead = attr.RelaxedOrderingRead
	}
	mkey, err := g.MkeyCreate(pd.Ctx, mkeyAttr)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("cannot create mkey: %w", err), UmemDereg(g, umem))
	}

	return &MR{Buf: buf, Umem: umem, Mkey: mkey, LKey: mkey.ID()}, nil
}

// DeregMR destroys the memory key and the umem of mr and resets it.
func DeregMR(g glue.Devx, mr *MR) error {
	if mr == nil {
		return nil
	}
	var err error
	if mr.Mkey != nil {
		err = multierr.Append(err, g.ObjDestroy(mr.Mkey))
	}
	if mr.Umem != nil {
		err = multierr.Append(err, UmemDereg(g, mr.Umem))
	}
	*mr = MR{}
	return err
}
