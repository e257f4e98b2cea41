// Package contracts holds ABIs of the on-chain programs the service reads.
package contracts

// FloorOracleABI is the read interface of the floor-price oracle contract.
const FloorOracleABI = `[
	{
		"type": "function",
		"name": "floorPrice",
		"stateMutability": "view",
		"inputs": [{"name": "collection", "type": "string"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "hasCollection",
		"stateMutability": "view",
		"inputs": [{"name": "collection", "type": "string"}],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`
