package isa

import "golang.org/x/arch/x86/x86asm"

// Table is the opcode dispatch table spec C5 describes as "a dense array
// of function pointers, one per opcode-table slot" (original_source/blink's
// g_OpTable in x86.h). The dense array becomes a map keyed on x86asm.Op
// because the decoder's Op enum isn't our index space to renumber, but the
// lookup-by-opcode shape is the same one original_source/blink/machine.c's
// GetOp/ExecuteInstruction dispatch loop uses.
var Table = map[x86asm.Op]Handler{
	x86asm.MOV:    opMov,
	x86asm.MOVZX:  opMovzx,
	x86asm.MOVSX:  opMovsx,
	x86asm.MOVSXD: opMovsx,
	x86asm.LEA:    opLea,
	x86asm.PUSH:   opPush,
	x86asm.POP:    opPop,
	x86asm.PUSHF:  opPushf,
	x86asm.PUSHFQ: opPushf,
	x86asm.POPF:   opPopf,
	x86asm.POPFQ:  opPopf,

	x86asm.ADD:  opAdd,
	x86asm.SUB:  opSub,
	x86asm.AND:  opAnd,
	x86asm.OR:   opOr,
	x86asm.XOR:  opXor,
	x86asm.CMP:  opCmp,
	x86asm.TEST: opTest,
	x86asm.INC:  opInc,
	x86asm.DEC:  opDec,
	x86asm.NEG:  opNeg,
	x86asm.NOT:  opNot,
	x86asm.IMUL: opImul,
	x86asm.DIV:  opDiv,
	x86asm.IDIV: opIdiv,

	x86asm.SHL: opShl,
	x86asm.SHR: opShr,
	x86asm.SAR: opSar,

	x86asm.XCHG:    opXchg,
	x86asm.XADD:    opXadd,
	x86asm.CMPXCHG: opCmpxchg,

	x86asm.JMP:  opJmp,
	x86asm.CALL: opCall,
	x86asm.RET:  opRet,

	x86asm.JA:  opJcc,
	x86asm.JAE: opJcc,
	x86asm.JB:  opJcc,
	x86asm.JBE: opJcc,
	x86asm.JE:  opJcc,
	x86asm.JNE: opJcc,
	x86asm.JG:  opJcc,
	x86asm.JGE: opJcc,
	x86asm.JL:  opJcc,
	x86asm.JLE: opJcc,
	x86asm.JS:  opJcc,
	x86asm.JNS: opJcc,
	x86asm.JO:  opJcc,
	x86asm.JNO: opJcc,
	x86asm.JP:  opJcc,
	x86asm.JNP: opJcc,

	x86asm.JCXZ:  opJcxz,
	x86asm.JECXZ: opJcxz,
	x86asm.JRCXZ: opJcxz,

	x86asm.LOOP:   opLoop,
	x86asm.LOOPE:  opLoop,
	x86asm.LOOPNE: opLoop,

	x86asm.SETA:  opSetcc,
	x86asm.SETAE: opSetcc,
	x86asm.SETB:  opSetcc,
	x86asm.SETBE: opSetcc,
	x86asm.SETE:  opSetcc,
	x86asm.SETNE: opSetcc,
	x86asm.SETG:  opSetcc,
	x86asm.SETGE: opSetcc,
	x86asm.SETL:  opSetcc,
	x86asm.SETLE: opSetcc,
	x86asm.SETS:  opSetcc,
	x86asm.SETNS: opSetcc,

	x86asm.NOP:     opNop,
	x86asm.HLT:     opHlt,
	x86asm.SYSCALL: opSyscall,
	x86asm.UD2:     opUd2,
	x86asm.CDQ:     opCdq,
	x86asm.CQO:     opCqo,
}
