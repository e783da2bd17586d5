package chain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// AccountMeta declares how an instruction touches an account.
type AccountMeta struct {
	Pubkey   [32]byte
	Signer   bool
	Writable bool
}

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	ProgramID [32]byte
	Accounts  []AccountMeta
	Data      []byte
}

// appendCompactU16 writes the shortvec length prefix used throughout
// the transaction wire format: 7 bits per byte, little endian, high bit
// set on continuation.
func appendCompactU16(b []byte, v int) []byte {
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}

type compiledInstruction struct {
	program  byte
	accounts []byte
	data     []byte
}

// message is a compiled legacy transaction message, fee payer first,
// ready to sign.
type message struct {
	header    [3]byte // required sigs, readonly signed, readonly unsigned
	accounts  [][32]byte
	blockhash [32]byte
	instrs    []compiledInstruction
}

// newMessage merges the account lists of instrs into the wire order the
// runtime requires: writable signers, readonly signers, writable
// non-signers, readonly non-signers, with the fee payer pinned first.
func newMessage(instrs []Instruction, payer [32]byte, blockhash [32]byte) *message {
	type flags struct{ signer, writable bool }
	merged := map[[32]byte]*flags{payer: {signer: true, writable: true}}
	order := [][32]byte{payer}
	touch := func(key [32]byte, signer, writable bool) {
		f, ok := merged[key]
		if !ok {
			f = &flags{}
			merged[key] = f
			order = append(order, key)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, in := range instrs {
		for _, m := range in.Accounts {
			touch(m.Pubkey, m.Signer, m.Writable)
		}
		touch(in.ProgramID, false, false)
	}

	rank := func(k [32]byte) int {
		f := merged[k]
		switch {
		case f.signer && f.writable:
			return 0
		case f.signer:
			return 1
		case f.writable:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return rank(order[i]) < rank(order[j]) })

	idx := make(map[[32]byte]byte, len(order))
	for i, k := range order {
		idx[k] = byte(i)
	}

	var numSig, numROSigned, numROUnsigned byte
	for _, k := range order {
		f := merged[k]
		switch {
		case f.signer && !f.writable:
			numSig++
			numROSigned++
		case f.signer:
			numSig++
		case !f.writable:
			numROUnsigned++
		}
	}

	msg := &message{
		header:    [3]byte{numSig, numROSigned, numROUnsigned},
		accounts:  order,
		blockhash: blockhash,
	}
	for _, in := range instrs {
		ci := compiledInstruction{program: idx[in.ProgramID], data: in.Data}
		for _, m := range in.Accounts {
			ci.accounts = append(ci.accounts, idx[m.Pubkey])
		}
		msg.instrs = append(msg.instrs, ci)
	}
	return msg
}

func (m *message) serialize() []byte {
	out := []byte{m.header[0], m.header[1], m.header[2]}
	out = appendCompactU16(out, len(m.accounts))
	for _, k := range m.accounts {
		out = append(out, k[:]...)
	}
	out = append(out, m.blockhash[:]...)
	out = appendCompactU16(out, len(m.instrs))
	for _, in := range m.instrs {
		out = append(out, in.program)
		out = appendCompactU16(out, len(in.accounts))
		out = append(out, in.accounts...)
		out = appendCompactU16(out, len(in.data))
		out = append(out, in.data...)
	}
	return out
}

// signTransaction signs a compiled message with the fee payer key and
// returns the full transaction bytes.
func signTransaction(m *message, key ed25519.PrivateKey) ([]byte, error) {
	if m.header[0] != 1 {
		return nil, fmt.Errorf("chain: message wants %d signatures, only the payer key is held", m.header[0])
	}
	pub := key.Public().(ed25519.PublicKey)
	if !bytes.Equal(pub, m.accounts[0][:]) {
		return nil, errors.New("chain: signing key is not the fee payer")
	}
	payload := m.serialize()
	sig := ed25519.Sign(key, payload)
	out := appendCompactU16(nil, 1)
	out = append(out, sig...)
	out = append(out, payload...)
	return out, nil
}

// systemTransfer moves lamports between native accounts.
func systemTransfer(from, to [32]byte, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2) // Transfer
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return Instruction{
		ProgramID: mustKey(systemProgram),
		Accounts: []AccountMeta{
			{Pubkey: from, Signer: true, Writable: true},
			{Pubkey: to, Writable: true},
		},
		Data: data,
	}
}

// tokenTransferChecked moves SPL tokens between token accounts with the
// mint and decimals checked by the token program.
func tokenTransferChecked(src, mint, dst, owner [32]byte, amount uint64, decimals uint8) Instruction {
	data := make([]byte, 10)
	data[0] = 12 // TransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return Instruction{
		ProgramID: mustKey(tokenProgram),
		Accounts: []AccountMeta{
			{Pubkey: src, Writable: true},
			{Pubkey: mint},
			{Pubkey: dst, Writable: true},
			{Pubkey: owner, Signer: true},
		},
		Data: data,
	}
}

// createATAIdempotent creates owner's associated token account for mint
// unless it already exists.
func createATAIdempotent(payer, owner, mint, ata [32]byte) Instruction {
	return Instruction{
		ProgramID: mustKey(ataProgram),
		Accounts: []AccountMeta{
			{Pubkey: payer, Signer: true, Writable: true},
			{Pubkey: ata, Writable: true},
			{Pubkey: owner},
			{Pubkey: mint},
			{Pubkey: mustKey(systemProgram)},
			{Pubkey: mustKey(tokenProgram)},
		},
		Data: []byte{1}, // CreateIdempotent
	}
}
