package cache

// Nop never stores anything. Use it to switch caching off.
type Nop struct{}

func (*Nop) Get(string) (any, bool)        { return nil, false }
func (*Nop) Put(string, any, ...PutOption) {}
func (*Nop) Delete(string)                 {}
func (*Nop) Len() int                      { return 0 }
func (*Nop) Cap() int                      { return 0 }

func NewNop() *Nop { return &Nop{} }

var (
	_ Cache = (*Nop)(nil)
	_ Sized = (*Nop)(nil)
)
