// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package redisstore

// commitScript validates a transaction's read set and applies its staged
// writes in one atomic evaluation. KEYS[1] is the global commit sequence
// counter; the plan arrives as a flat token stream in ARGV so every operand
// stays binary-safe:
//
//	R rowKey version      expect row version (0 = absent)
//	C clockKey clock      expect index mutation clock
//	U zset min max self   unique check: [min,max) lex window may hold only
//	                      self or members removed by this commit
//	S rowKey version data write row hash
//	D rowKey              delete row hash
//	A zset member         add index member
//	X zset member         remove index member
//	I key                 bump counter (index clocks)
//
// Validation errors come back as error replies prefixed "conflict:" or
// "constraint:"; the client maps them onto the store error classes. Rows are
// hashes {v: version, d: packed fields} so version checks need no decoding.
const commitScript = `
local arity = {R=2, C=2, U=4, S=3, D=1, A=2, X=2, I=1}

local ops = {}
local i = 1
while i <= #ARGV do
  local t = ARGV[i]
  local n = arity[t]
  if not n then
    return redis.error_reply('malformed commit plan')
  end
  local op = {t}
  for k = 1, n do
    op[k+1] = ARGV[i+k]
  end
  ops[#ops+1] = op
  i = i + n + 1
end

local removing = {}
for _, op in ipairs(ops) do
  if op[1] == 'X' then
    removing[op[3]] = true
  end
end

for _, op in ipairs(ops) do
  local t = op[1]
  if t == 'R' then
    local cur = tonumber(redis.call('HGET', op[2], 'v') or '0')
    if cur ~= tonumber(op[3]) then
      return redis.error_reply('conflict: row version changed')
    end
  elseif t == 'C' then
    local cur = tonumber(redis.call('GET', op[2]) or '0')
    if cur ~= tonumber(op[3]) then
      return redis.error_reply('conflict: index range changed')
    end
  elseif t == 'U' then
    local found = redis.call('ZRANGEBYLEX', op[2], op[3], op[4], 'LIMIT', 0, 3)
    for _, member in ipairs(found) do
      if member ~= op[5] and not removing[member] then
        return redis.error_reply('constraint: unique index violation')
      end
    end
  end
end

for _, op in ipairs(ops) do
  local t = op[1]
  if t == 'S' then
    redis.call('HSET', op[2], 'v', op[3])
    redis.call('HSET', op[2], 'd', op[4])
  elseif t == 'D' then
    redis.call('DEL', op[2])
  elseif t == 'A' then
    redis.call('ZADD', op[2], 0, op[3])
  elseif t == 'X' then
    redis.call('ZREM', op[2], op[3])
  elseif t == 'I' then
    redis.call('INCR', op[2])
  end
end

return redis.call('INCR', KEYS[1])
`
