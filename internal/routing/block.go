// Package routing selects outbound source addresses from configured CIDR blocks
// so that upstream throttling of one address does not stall resolution.
package routing

import (
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"strings"

	"lavaroute/internal/core"
)

// IPVersion tags an AddressBlock as IPv4 or IPv6.
type IPVersion int

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

func (v IPVersion) String() string {
	return fmt.Sprintf("ipv%d", int(v))
}

// AddressBlock is an immutable CIDR range.
type AddressBlock struct {
	prefix  netip.Prefix
	version IPVersion
	base    *big.Int
	size    *big.Int
}

// ParseBlock parses CIDR text into an AddressBlock. Malformed input yields a
// core.ConfigurationError.
func ParseBlock(cidr string) (AddressBlock, error) {
	text := strings.TrimSpace(cidr)
	prefix, err := netip.ParsePrefix(text)
	if err != nil {
		return AddressBlock{}, core.NewConfigurationError("routeplanner", cidr,
			fmt.Errorf("invalid ip block, make sure to provide a valid CIDR notation: %w", err))
	}

	addr := prefix.Addr()
	if addr.Zone() != "" {
		return AddressBlock{}, core.NewConfigurationError("routeplanner", cidr,
			errors.New("zoned addresses are not supported"))
	}

	version := IPv6
	if addr.Is4() {
		version = IPv4
	}

	prefix = prefix.Masked()
	hostBits := addr.BitLen() - prefix.Bits()

	return AddressBlock{
		prefix:  prefix,
		version: version,
		base:    new(big.Int).SetBytes(prefix.Addr().AsSlice()),
		size:    new(big.Int).Lsh(big.NewInt(1), uint(hostBits)),
	}, nil
}

// Prefix returns the masked CIDR prefix.
func (b AddressBlock) Prefix() netip.Prefix {
	return b.prefix
}

// Version returns the IP version of the block.
func (b AddressBlock) Version() IPVersion {
	return b.version
}

// Size returns the number of addresses in the block.
func (b AddressBlock) Size() *big.Int {
	return new(big.Int).Set(b.size)
}

// Contains reports whether addr lies inside the block.
func (b AddressBlock) Contains(addr netip.Addr) bool {
	return b.prefix.Contains(addr.Unmap())
}

// AddressAt returns the address at offset index, wrapped into the block.
func (b AddressBlock) AddressAt(index *big.Int) netip.Addr {
	offset := new(big.Int).Mod(index, b.size)
	value := offset.Add(offset, b.base)

	width := 16
	if b.version == IPv4 {
		width = 4
	}
	raw := value.FillBytes(make([]byte, width))

	addr, _ := netip.AddrFromSlice(raw)
	return addr
}

func (b AddressBlock) String() string {
	return b.prefix.String()
}

// addressPool is the ordered concatenation of blocks.
type addressPool struct {
	blocks []AddressBlock
	total  *big.Int
}

func newAddressPool(blocks []AddressBlock) addressPool {
	total := new(big.Int)
	for _, b := range blocks {
		total.Add(total, b.size)
	}
	return addressPool{blocks: blocks, total: total}
}

// at maps a pool-wide index onto its block.
func (p addressPool) at(index *big.Int) netip.Addr {
	rest := new(big.Int).Mod(index, p.total)
	for _, b := range p.blocks {
		if rest.Cmp(b.size) < 0 {
			return b.AddressAt(rest)
		}
		rest.Sub(rest, b.size)
	}
	// Unreachable while total is the sum of block sizes.
	return p.blocks[0].AddressAt(rest)
}
